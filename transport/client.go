package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"path"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/evmotors/dealer-core/logger"
	"github.com/evmotors/dealer-core/resilience"
	"github.com/evmotors/dealer-core/str"
)

var (
	Version = "dev"

	errTransient = errors.New("transient failure")

	// sendPolicy governs the retry budget for a single logical request.
	sendPolicy = resilience.RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors: func(err error) bool {
			return errors.Is(err, errTransient)
		},
	}
)

// CredentialSource supplies the current bearer credential. An empty string
// means no Authorization header is attached.
type CredentialSource interface {
	AccessToken() string
}

// AuthRecoverer attempts to renew credentials after the transport observes
// an authorization failure. A nil return means the CredentialSource now
// yields a fresh token and the original request may be replayed once.
type AuthRecoverer interface {
	Recover(ctx context.Context) error
}

// Envelope is the server's uniform response wrapper.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   *int            `json:"count,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   struct {
		Issues []struct {
			Code    string   `json:"code"`
			Message string   `json:"message"`
			Path    []string `json:"path"`
		} `json:"issues"`
	} `json:"error"`
}

// Client is the single HTTP client for the dealer API: base URL, default
// headers, bearer-credential attachment, transient-failure retry, and
// 401 detection with a single refresh-and-replay attempt.
type Client struct {
	baseURL   string
	client    *http.Client
	log       logger.Logger
	creds     CredentialSource
	recoverer AuthRecoverer
	headers   map[string]string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithHeader adds a default header sent on every request.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.headers[key] = value }
}

// New returns a Client rooted at baseURL. Credentials are read from creds
// on every request, so a refresh is picked up without rebuilding the
// client.
func New(log logger.Logger, baseURL string, creds CredentialSource, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		client:  http.DefaultClient,
		log:     log.WithPrefix("[transport]"),
		creds:   creds,
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetRecoverer installs the credential refresh hook. Set after construction
// because the refresh flow itself needs a Client to call the renewal
// endpoint.
func (c *Client) SetRecoverer(r AuthRecoverer) {
	c.recoverer = r
}

// UserAgent identifies this library to the server.
func UserAgent() string {
	rev := "unknown"
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				rev = setting.Value
			}
		}
	}
	return "Dealer Console Client/" + Version + " (" + rev + ")"
}

func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		if strings.Contains(err.Error(), "EOF") {
			return true
		}
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusRequestTimeout, http.StatusBadGateway, http.StatusServiceUnavailable,
			http.StatusGatewayTimeout, http.StatusTooManyRequests:
			return true
		}
	}
	return false
}

func (c *Client) buildURL(pathParam string, params url.Values) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "transport: parsing base url")
	}
	basePath := u.Path
	if pathParam == "" {
		u.Path = basePath
	} else if basePath == "" || basePath == "/" {
		u.Path = pathParam
	} else {
		u.Path = path.Join(basePath, pathParam)
	}
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// Do sends one request and returns the decoded server envelope. A 401
// triggers the installed AuthRecoverer at most once; on successful recovery
// the original request is replayed exactly once with the fresh credential.
// A 401 on the replay is surfaced as ErrAuthExpired.
func (c *Client) Do(ctx context.Context, method, pathParam string, params url.Values, payload any) (*Envelope, error) {
	env, err := c.do(ctx, method, pathParam, params, payload)
	if err != nil && errors.Is(err, ErrAuthExpired) && c.recoverer != nil {
		if recErr := c.recoverer.Recover(ctx); recErr != nil {
			c.log.Warn("credential recovery failed: %s", recErr)
			return nil, err
		}
		c.log.Debug("credentials recovered, replaying %s %s", method, pathParam)
		return c.do(ctx, method, pathParam, params, payload)
	}
	return env, err
}

func (c *Client) do(ctx context.Context, method, pathParam string, params url.Values, payload any) (*Envelope, error) {
	fullURL, err := c.buildURL(pathParam, params)
	if err != nil {
		return nil, err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, newError(fullURL, method, 0, "", errors.Wrap(err, "transport: marshalling payload"))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return nil, newError(fullURL, method, 0, "", errors.Wrap(err, "transport: creating request"))
	}
	req.Header.Set("User-Agent", UserAgent())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if token := c.creds.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		c.log.Trace("attaching bearer %s", str.Mask(token))
	}

	c.log.Trace("sending request: %s %s", method, fullURL)
	var resp *http.Response
	err = resilience.Retry(ctx, sendPolicy, func() error {
		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			resp = nil
		}
		if payload != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}
		var sendErr error
		resp, sendErr = c.client.Do(req)
		if shouldRetry(resp, sendErr) {
			if sendErr == nil {
				sendErr = errors.Newf("transient status (%s)", resp.Status)
			}
			c.log.Trace("transient failure, retrying: %s", sendErr)
			return errors.Mark(sendErr, errTransient)
		}
		return sendErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, err
		}
		if resp == nil {
			return nil, newError(fullURL, method, 0, "", errors.Wrap(err, "transport: sending request"))
		}
		// A transient status outlived the retry budget; report it like any
		// other failing status below.
	}
	defer resp.Body.Close()
	c.log.Debug("response status: %s", resp.Status)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(fullURL, method, resp.StatusCode, "", errors.Wrap(err, "transport: reading response body"))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Mark(
			newError(fullURL, method, resp.StatusCode, string(respBody), errors.New("authorization failure")),
			ErrAuthExpired,
		)
	}

	if resp.StatusCode > 299 {
		httpErr := newError(fullURL, method, resp.StatusCode, string(respBody),
			errors.Newf("request failed with status (%s)", resp.Status))
		if msg, ok := validationDetail(resp, respBody); ok {
			httpErr.cause = errors.New(msg)
			return nil, errors.Mark(httpErr, ErrValidation)
		}
		return nil, httpErr
	}

	var env Envelope
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &env); err != nil {
			return nil, newError(fullURL, method, resp.StatusCode, string(respBody),
				errors.Wrap(err, "transport: decoding envelope"))
		}
		if !env.Success {
			msg := env.Message
			if msg == "" {
				msg = "server reported failure"
			}
			return nil, newError(fullURL, method, resp.StatusCode, string(respBody), errors.New(msg))
		}
	}
	return &env, nil
}

// validationDetail extracts structured issue messages from 4xx envelope
// bodies. Anything that does not decode as an envelope is not a validation
// error.
func validationDetail(resp *http.Response, body []byte) (string, bool) {
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnprocessableEntity {
		return "", false
	}
	if !strings.Contains(resp.Header.Get("content-type"), "application/json") {
		return "", false
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if len(env.Error.Issues) > 0 {
		var msgs []string
		for _, issue := range env.Error.Issues {
			msg := issue.Message + " (" + issue.Code + ")"
			if issue.Path != nil {
				msg += " " + strings.Join(issue.Path, ".")
			}
			msgs = append(msgs, msg)
		}
		return strings.Join(msgs, ". "), true
	}
	if env.Message != "" {
		return env.Message, true
	}
	return "", false
}

// Get issues a GET and decodes the envelope's data field into out.
func (c *Client) Get(ctx context.Context, pathParam string, params url.Values, out any) error {
	env, err := c.Do(ctx, http.MethodGet, pathParam, params, nil)
	if err != nil {
		return err
	}
	return decodeData(env, out)
}

// Post issues a POST and decodes the envelope's data field into out.
func (c *Client) Post(ctx context.Context, pathParam string, payload, out any) error {
	env, err := c.Do(ctx, http.MethodPost, pathParam, nil, payload)
	if err != nil {
		return err
	}
	return decodeData(env, out)
}

// Patch issues a PATCH and decodes the envelope's data field into out.
func (c *Client) Patch(ctx context.Context, pathParam string, payload, out any) error {
	env, err := c.Do(ctx, http.MethodPatch, pathParam, nil, payload)
	if err != nil {
		return err
	}
	return decodeData(env, out)
}

// Delete issues a DELETE. The envelope body, if any, is discarded.
func (c *Client) Delete(ctx context.Context, pathParam string) error {
	_, err := c.Do(ctx, http.MethodDelete, pathParam, nil, nil)
	return err
}

func decodeData(env *Envelope, out any) error {
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrap(err, "transport: decoding envelope data")
	}
	return nil
}
