// Package console wires the dealer-core subsystems into one client:
// configuration, session store, credential refresh, transport, cache
// store, resource adapters, and the route guard. It is the supported
// entry point for applications.
package console

import (
	"context"
	"net/http"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/evmotors/dealer-core/cache"
	"github.com/evmotors/dealer-core/config"
	"github.com/evmotors/dealer-core/guard"
	"github.com/evmotors/dealer-core/logger"
	"github.com/evmotors/dealer-core/refresh"
	"github.com/evmotors/dealer-core/resource"
	"github.com/evmotors/dealer-core/session"
	"github.com/evmotors/dealer-core/transport"
)

// Console is the composed dealer-management client.
type Console struct {
	log       logger.Logger
	cfg       config.Config
	policy    guard.Policy
	auth      *transport.Client
	Sessions  *session.Store
	Client    *transport.Client
	Store     *cache.Store
	Resources *resource.Registry
	Refresh   *refresh.Flow
}

type anonymousCreds struct{}

func (anonymousCreds) AccessToken() string { return "" }

// Credentials is a login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	User         session.Identity `json:"user"`
}

// DefaultPolicy maps each role to its route partition's home.
func DefaultPolicy(loginPath string) guard.Policy {
	return guard.Policy{
		LoginPath: loginPath,
		RoleHomes: map[session.Role]string{
			session.RoleDealerStaff:   "/dealer",
			session.RoleDealerManager: "/dealer/manage",
			session.RoleEVMStaff:      "/evm",
			session.RoleAdmin:         "/admin",
		},
	}
}

func sessionStorage(cfg config.Config) (session.Storage, error) {
	if cfg.UseKeyring {
		return session.NewKeyringStorage("dealer-core")
	}
	path := cfg.SessionFile
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, errors.Wrap(err, "console: resolving config dir for session file")
		}
		path = filepath.Join(dir, "dealer-core", "session.bin")
	}
	return session.NewFileStorage(path), nil
}

// New composes a Console from configuration. The context bounds background
// cache fetches; cancel it or call Close to shut down.
func New(ctx context.Context, cfg config.Config, log logger.Logger) (*Console, error) {
	storage, err := sessionStorage(cfg)
	if err != nil {
		return nil, err
	}
	policy := DefaultPolicy(cfg.LoginPath)
	if cfg.PolicyFile != "" {
		policy, err = guard.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	return compose(ctx, cfg, log, storage, policy, httpClient), nil
}

// compose is New without the environment-dependent pieces, so tests can
// inject storage, policy, and an interceptable HTTP client directly.
func compose(ctx context.Context, cfg config.Config, log logger.Logger, storage session.Storage, policy guard.Policy, httpClient *http.Client) *Console {
	sessions := session.NewStore(log, storage)
	sessions.Rehydrate()
	client := transport.New(log, cfg.APIBaseURL, sessions, transport.WithHTTPClient(httpClient))
	// Renewal and login go through a bare client: no bearer header, and no
	// recoverer so a 401 during renewal fails outright instead of
	// re-entering the refresh flow.
	auth := transport.New(log, cfg.APIBaseURL, anonymousCreds{}, transport.WithHTTPClient(httpClient))

	flow := refresh.New(log, sessions, func(ctx context.Context, refreshToken string) (session.TokenPair, error) {
		var out session.TokenPair
		payload := map[string]string{"refreshToken": refreshToken}
		if err := auth.Post(ctx, "auth/refresh", payload, &out); err != nil {
			return session.TokenPair{}, err
		}
		return out, nil
	})
	client.SetRecoverer(flow)

	store := cache.New(ctx, log, cache.WithRetention(cfg.CacheRetention))

	return &Console{
		log:       log.WithPrefix("[console]"),
		cfg:       cfg,
		policy:    policy,
		auth:      auth,
		Sessions:  sessions,
		Client:    client,
		Store:     store,
		Resources: resource.NewRegistry(store, client),
		Refresh:   flow,
	}
}

// Login authenticates and commits the session. Any previously cached data
// belongs to the prior session and is purged.
func (c *Console) Login(ctx context.Context, creds Credentials) error {
	var resp loginResponse
	if err := c.auth.Post(ctx, "auth/login", creds, &resp); err != nil {
		return err
	}
	err := c.Sessions.CommitLogin(session.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
	}, resp.User)
	if err != nil {
		return err
	}
	c.Store.Purge()
	return nil
}

// Logout clears the session and drops every cached scope.
func (c *Console) Logout() {
	c.Sessions.Logout()
	c.Store.Purge()
}

// Decide evaluates the route guard for one navigation under the console's
// policy.
func (c *Console) Decide(requestedPath string) guard.Decision {
	return guard.Decide(c.Sessions.Current(), requestedPath, c.policy)
}

// DecideWith evaluates the guard with a per-partition role restriction
// layered over the console policy.
func (c *Console) DecideWith(requestedPath string, allowedRoles ...session.Role) guard.Decision {
	p := c.policy
	p.AllowedRoles = allowedRoles
	return guard.Decide(c.Sessions.Current(), requestedPath, p)
}

// Close releases the cache store. The session remains persisted for the
// next start.
func (c *Console) Close() {
	c.Store.Close()
}
