package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evmotors/dealer-core/logger"
)

const testBase = "https://api.dealer.test/api/v1"

type staticCreds struct {
	token atomic.Value
}

func newStaticCreds(token string) *staticCreds {
	c := &staticCreds{}
	c.token.Store(token)
	return c
}

func (c *staticCreds) AccessToken() string {
	return c.token.Load().(string)
}

type recoverFunc func(ctx context.Context) error

func (f recoverFunc) Recover(ctx context.Context) error { return f(ctx) }

func newTestClient(t *testing.T, creds CredentialSource) *Client {
	t.Helper()
	hc := &http.Client{}
	httpmock.ActivateNonDefault(hc)
	t.Cleanup(httpmock.DeactivateAndReset)
	return New(logger.NewTestLogger(), testBase, creds, WithHTTPClient(hc))
}

func TestGetDecodesEnvelope(t *testing.T) {
	creds := newStaticCreds("token-1")
	c := newTestClient(t, creds)

	httpmock.RegisterResponder("GET", testBase+"/vehicles",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer token-1", req.Header.Get("Authorization"))
			assert.NotEmpty(t, req.Header.Get("X-Request-Id"))
			return httpmock.NewStringResponse(200,
				`{"success":true,"data":[{"id":"v-1"},{"id":"v-2"}],"count":2}`), nil
		})

	var vehicles []struct {
		ID string `json:"id"`
	}
	require.NoError(t, c.Get(context.Background(), "vehicles", nil, &vehicles))
	require.Len(t, vehicles, 2)
	assert.Equal(t, "v-1", vehicles[0].ID)
}

func TestQueryParams(t *testing.T) {
	c := newTestClient(t, newStaticCreds("token-1"))
	httpmock.RegisterResponder("GET", testBase+"/vehicles",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "EV6", req.URL.Query().Get("model"))
			return httpmock.NewStringResponse(200, `{"success":true,"data":[]}`), nil
		})
	params := url.Values{"model": []string{"EV6"}}
	require.NoError(t, c.Get(context.Background(), "vehicles", params, nil))
}

func TestNoAuthHeaderWithoutToken(t *testing.T) {
	c := newTestClient(t, newStaticCreds(""))
	httpmock.RegisterResponder("POST", testBase+"/auth/login",
		func(req *http.Request) (*http.Response, error) {
			assert.Empty(t, req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(200, `{"success":true,"data":{}}`), nil
		})
	require.NoError(t, c.Post(context.Background(), "auth/login", map[string]string{"email": "x"}, nil))
}

func TestEnvelopeFailureSurfaces(t *testing.T) {
	c := newTestClient(t, newStaticCreds("token-1"))
	httpmock.RegisterResponder("GET", testBase+"/orders",
		httpmock.NewStringResponder(200, `{"success":false,"message":"quota exceeded"}`))

	err := c.Get(context.Background(), "orders", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestTransientStatusRetries(t *testing.T) {
	c := newTestClient(t, newStaticCreds("token-1"))
	var calls atomic.Int32
	httpmock.RegisterResponder("GET", testBase+"/vehicles",
		func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return httpmock.NewStringResponse(503, ""), nil
			}
			return httpmock.NewStringResponse(200, `{"success":true,"data":[]}`), nil
		})

	require.NoError(t, c.Get(context.Background(), "vehicles", nil, nil))
	assert.Equal(t, int32(3), calls.Load())
}

func TestUnauthorizedTriggersRecoveryAndReplay(t *testing.T) {
	creds := newStaticCreds("stale")
	c := newTestClient(t, creds)

	var recoveries atomic.Int32
	c.SetRecoverer(recoverFunc(func(ctx context.Context) error {
		recoveries.Add(1)
		creds.token.Store("fresh")
		return nil
	}))

	httpmock.RegisterResponder("GET", testBase+"/orders",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("Authorization") != "Bearer fresh" {
				return httpmock.NewStringResponse(401, ""), nil
			}
			return httpmock.NewStringResponse(200, `{"success":true,"data":["order-1"]}`), nil
		})

	var orders []string
	require.NoError(t, c.Get(context.Background(), "orders", nil, &orders))
	assert.Equal(t, []string{"order-1"}, orders)
	assert.Equal(t, int32(1), recoveries.Load())
}

func TestSecondUnauthorizedIsHardError(t *testing.T) {
	creds := newStaticCreds("stale")
	c := newTestClient(t, creds)

	var recoveries atomic.Int32
	c.SetRecoverer(recoverFunc(func(ctx context.Context) error {
		// Claims success but the server still rejects the credential.
		recoveries.Add(1)
		return nil
	}))

	var calls atomic.Int32
	httpmock.RegisterResponder("GET", testBase+"/orders",
		func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(401, ""), nil
		})

	err := c.Get(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), recoveries.Load(), "a second 401 must not trigger another recovery")
	assert.Equal(t, int32(2), calls.Load(), "the request is replayed exactly once")
}

func TestRecoveryFailureSurfacesAuthExpired(t *testing.T) {
	c := newTestClient(t, newStaticCreds("stale"))
	c.SetRecoverer(recoverFunc(func(ctx context.Context) error {
		return ErrAuthExpired
	}))

	var calls atomic.Int32
	httpmock.RegisterResponder("GET", testBase+"/orders",
		func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return httpmock.NewStringResponse(401, ""), nil
		})

	err := c.Get(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Equal(t, int32(1), calls.Load(), "no replay after failed recovery")
}

func TestUnauthorizedWithoutRecovererSurfaces(t *testing.T) {
	c := newTestClient(t, newStaticCreds("stale"))
	httpmock.RegisterResponder("GET", testBase+"/orders",
		httpmock.NewStringResponder(401, ""))

	err := c.Get(context.Background(), "orders", nil, nil)
	assert.ErrorIs(t, err, ErrAuthExpired)
}

func TestValidationErrorsNotRetried(t *testing.T) {
	c := newTestClient(t, newStaticCreds("token-1"))
	var calls atomic.Int32
	httpmock.RegisterResponder("POST", testBase+"/orders",
		func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			resp := httpmock.NewStringResponse(422,
				`{"success":false,"error":{"issues":[{"code":"required","message":"customer is required","path":["customerId"]}]}}`)
			resp.Header.Set("content-type", "application/json")
			return resp, nil
		})

	err := c.Post(context.Background(), "orders", map[string]string{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "customer is required")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPErrorCarriesStatusAndBody(t *testing.T) {
	c := newTestClient(t, newStaticCreds("token-1"))
	httpmock.RegisterResponder("GET", testBase+"/vehicles",
		httpmock.NewStringResponder(500, "boom"))

	err := c.Get(context.Background(), "vehicles", nil, nil)
	require.Error(t, err)
	var httpErr *Error
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, 500, httpErr.Status)
	assert.Equal(t, "boom", httpErr.Body)
	assert.Equal(t, "GET", httpErr.Method)
}
