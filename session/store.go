package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/evmotors/dealer-core/logger"
	"github.com/evmotors/dealer-core/str"
)

// ExpirySkew is how far ahead of the access token's deadline ExpiresSoon
// reports true, giving the refresh flow room to renew before requests
// start failing.
const ExpirySkew = 30 * time.Second

// Store owns the current Session. It is mutated only by the
// login-success, refresh-success, and logout transitions; every mutation
// runs the pure transition first and the durable write second, so the
// in-memory state and storage move together.
type Store struct {
	log     logger.Logger
	storage Storage
	nowFn   func() time.Time

	mu      sync.RWMutex
	current Session
}

// NewStore returns a Store over the given storage backend. Call Rehydrate
// once at startup to restore a persisted session.
func NewStore(log logger.Logger, storage Storage) *Store {
	return &Store{
		log:     log.WithPrefix("[session]"),
		storage: storage,
		nowFn:   time.Now,
	}
}

// Rehydrate restores the persisted session. Malformed, partial, or absent
// snapshots initialize the empty session and clear storage; rehydration
// never fails the caller.
func (s *Store) Rehydrate() {
	snap, err := s.storage.Load()
	if err != nil {
		s.log.Warn("failed to load persisted session, starting logged out: %s", err)
		s.reset()
		return
	}
	if snap.empty() {
		return
	}
	if snap.partial() {
		s.log.Warn("persisted session is incomplete, starting logged out")
		s.reset()
		return
	}
	var identity Identity
	if err := json.Unmarshal([]byte(snap.IdentityJSON), &identity); err != nil {
		s.log.Warn("persisted identity is malformed, starting logged out: %s", err)
		s.reset()
		return
	}
	s.mu.Lock()
	s.current = Session{
		Identity:     &identity,
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
	}
	s.mu.Unlock()
	s.log.Debug("restored session for %s (%s)", identity.DisplayName, identity.Role)
}

func (s *Store) reset() {
	s.mu.Lock()
	s.current = Session{}
	s.mu.Unlock()
	if err := s.storage.Clear(); err != nil {
		s.log.Warn("failed to clear session storage: %s", err)
	}
}

// CommitLogin applies a successful login: identity and tokens become the
// new session atomically, then the snapshot is persisted.
func (s *Store) CommitLogin(tokens TokenPair, identity Identity) error {
	if tokens.AccessToken == "" {
		return errors.New("session: login result carries no access token")
	}
	identityJSON, err := json.Marshal(identity)
	if err != nil {
		return errors.Wrap(err, "session: serializing identity")
	}
	s.mu.Lock()
	s.current = loginTransition(s.current, tokens, identity)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	snap.IdentityJSON = string(identityJSON)
	if err := s.storage.Save(snap); err != nil {
		return errors.Wrap(err, "session: persisting login")
	}
	s.log.Info("logged in as %s (%s) with token %s", identity.DisplayName, identity.Role, str.Mask(tokens.AccessToken))
	return nil
}

// CommitRefresh applies a successful credential renewal. The identity is
// unchanged; tokens rotate.
func (s *Store) CommitRefresh(tokens TokenPair) error {
	if tokens.AccessToken == "" {
		return errors.New("session: refresh result carries no access token")
	}
	s.mu.Lock()
	if !s.current.Authenticated() {
		s.mu.Unlock()
		return errors.New("session: refresh without an active session")
	}
	s.current = refreshTransition(s.current, tokens)
	snap := s.snapshotLocked()
	identityJSON, err := json.Marshal(s.current.Identity)
	s.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "session: serializing identity")
	}
	snap.IdentityJSON = string(identityJSON)
	if err := s.storage.Save(snap); err != nil {
		return errors.Wrap(err, "session: persisting refresh")
	}
	s.log.Debug("access credentials rotated to %s", str.Mask(tokens.AccessToken))
	return nil
}

// Logout clears the in-memory session and durable storage unconditionally.
// It never fails; a storage error is logged and the in-memory state is
// cleared regardless.
func (s *Store) Logout() {
	s.mu.Lock()
	s.current = logoutTransition(s.current)
	s.mu.Unlock()
	if err := s.storage.Clear(); err != nil {
		s.log.Warn("failed to clear session storage on logout: %s", err)
	}
	s.log.Info("logged out")
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		AccessToken:  s.current.AccessToken,
		RefreshToken: s.current.RefreshToken,
	}
}

// Current returns a copy of the session state.
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AccessToken implements transport.CredentialSource.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.AccessToken
}

// RefreshToken returns the current refresh credential, if any.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.RefreshToken
}

// Authenticated reports whether an identity is attached.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Authenticated()
}

// Role returns the current identity's role, or the empty Role when logged
// out.
func (s *Store) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.Identity == nil {
		return ""
	}
	return s.current.Identity.Role
}

// ExpiresSoon reports whether the access token's deadline falls within
// ExpirySkew. Tokens without a parsable deadline report false; renewal for
// those is driven by the transport's 401 detection instead.
func (s *Store) ExpiresSoon() bool {
	s.mu.RLock()
	token := s.current.AccessToken
	s.mu.RUnlock()
	if token == "" {
		return false
	}
	expiry, err := TokenExpiry(token)
	if err != nil || expiry.IsZero() {
		return false
	}
	return s.nowFn().Add(ExpirySkew).After(expiry)
}
