// Package config loads the client configuration from the environment.
// Duration values accept day and week suffixes ("1d", "2w") on top of the
// standard Go forms.
package config

import (
	"reflect"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"github.com/xhit/go-str2duration/v2"
)

// Config is the dealer-core client configuration.
type Config struct {
	// APIBaseURL is the root of the dealer API. Required.
	APIBaseURL string `env:"DEALER_API_BASE_URL"`
	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `env:"DEALER_REQUEST_TIMEOUT" envDefault:"30s"`
	// CacheRetention is the default retention window for cache entries
	// with no subscribers.
	CacheRetention time.Duration `env:"DEALER_CACHE_RETENTION" envDefault:"60s"`
	// SessionFile is where the session snapshot is persisted when the OS
	// keychain is not used.
	SessionFile string `env:"DEALER_SESSION_FILE" envDefault:""`
	// UseKeyring selects the OS keychain over the session file.
	UseKeyring bool `env:"DEALER_USE_KEYRING" envDefault:"false"`
	// PolicyFile optionally points at a YAML guard policy.
	PolicyFile string `env:"DEALER_POLICY_FILE" envDefault:""`
	// LoginPath is where unauthenticated navigation is redirected.
	LoginPath string `env:"DEALER_LOGIN_PATH" envDefault:"/login"`
}

func parseDuration(v string) (interface{}, error) {
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config: invalid duration %q", v)
	}
	return d, nil
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): parseDuration,
		},
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "config: parsing environment")
	}
	if cfg.APIBaseURL == "" {
		return Config{}, errors.New("config: DEALER_API_BASE_URL is required")
	}
	return cfg, nil
}
