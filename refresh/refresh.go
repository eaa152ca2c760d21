// Package refresh reacts to transport-detected authorization failures by
// renewing the credential pair once and letting the transport replay the
// original request. Concurrent failures share a single renewal attempt.
package refresh

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/singleflight"

	"github.com/evmotors/dealer-core/logger"
	"github.com/evmotors/dealer-core/session"
	"github.com/evmotors/dealer-core/transport"
)

// RenewFunc exchanges a refresh token for a new token pair at the server.
type RenewFunc func(ctx context.Context, refreshToken string) (session.TokenPair, error)

// State is the flow's observable phase.
type State int32

const (
	StateIdle State = iota
	StateRefreshing
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Flow is the credential refresh state machine:
// idle → refreshing → {idle, failed}. It implements
// transport.AuthRecoverer. While a renewal is in flight, further Recover
// calls wait on it instead of issuing parallel attempts; on success every
// waiter returns nil and the transport replays each original request
// exactly once. On failure the session store is logged out and every
// waiter receives an error marked transport.ErrAuthExpired.
type Flow struct {
	log      logger.Logger
	sessions *session.Store
	renew    RenewFunc
	group    singleflight.Group
	state    atomic.Int32
}

var _ transport.AuthRecoverer = (*Flow)(nil)

// New returns a Flow over the given session store and renewal call.
func New(log logger.Logger, sessions *session.Store, renew RenewFunc) *Flow {
	return &Flow{
		log:      log.WithPrefix("[refresh]"),
		sessions: sessions,
		renew:    renew,
	}
}

// State returns the flow's current phase.
func (f *Flow) State() State {
	return State(f.state.Load())
}

// Recover implements transport.AuthRecoverer.
func (f *Flow) Recover(ctx context.Context) error {
	// The renewal is shared by every concurrent waiter, so it must not die
	// with whichever request happened to trigger it first.
	renewCtx := context.WithoutCancel(ctx)
	_, err, shared := f.group.Do("renew", func() (any, error) {
		return nil, f.renewOnce(renewCtx)
	})
	if shared {
		f.log.Trace("authorization failure joined in-flight renewal")
	}
	return err
}

func (f *Flow) renewOnce(ctx context.Context) error {
	refreshToken := f.sessions.RefreshToken()
	if refreshToken == "" {
		f.state.Store(int32(StateFailed))
		f.sessions.Logout()
		return errors.Mark(errors.New("refresh: no refresh credential available"), transport.ErrAuthExpired)
	}

	f.state.Store(int32(StateRefreshing))
	f.log.Debug("renewing credentials")
	pair, err := f.renew(ctx, refreshToken)
	if err != nil {
		f.state.Store(int32(StateFailed))
		f.sessions.Logout()
		return errors.Mark(errors.Wrap(err, "refresh: renewal failed"), transport.ErrAuthExpired)
	}
	if err := f.sessions.CommitRefresh(pair); err != nil {
		f.state.Store(int32(StateFailed))
		f.sessions.Logout()
		return errors.Mark(errors.Wrap(err, "refresh: committing renewed credentials"), transport.ErrAuthExpired)
	}
	f.state.Store(int32(StateIdle))
	f.log.Debug("credentials renewed")
	return nil
}
