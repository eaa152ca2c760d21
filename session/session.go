// Package session holds the persisted credential state that gates route
// access: the current identity and token pair, durable across restarts,
// with atomic login/refresh/logout transitions.
package session

// Role is a dealer-console user role. The set is closed; the guard package
// maps each role to its home route.
type Role string

const (
	RoleDealerStaff   Role = "DEALER_STAFF"
	RoleDealerManager Role = "DEALER_MANAGER"
	RoleEVMStaff      Role = "EVM_STAFF"
	RoleAdmin         Role = "ADMIN"
)

// Identity describes the authenticated user. It is immutable once attached
// to a session and replaced wholesale on a new login.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
	DealerID    string `json:"dealerId,omitempty"`
}

// TokenPair is the access/refresh credential pair issued at login and
// rotated on refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Session is the in-memory credential state. The zero value is the empty
// (logged-out) session. Invariant: AccessToken is empty iff Identity is
// nil; the two are set and cleared together.
type Session struct {
	Identity     *Identity
	AccessToken  string
	RefreshToken string
}

// Authenticated reports whether the session carries an identity.
func (s Session) Authenticated() bool {
	return s.Identity != nil && s.AccessToken != ""
}

// The transition functions are pure: they compute the next session from the
// previous one and never touch storage. The store sequences the durable
// write as a post-transition hook, which keeps these independently
// testable.

func loginTransition(_ Session, tokens TokenPair, identity Identity) Session {
	return Session{
		Identity:     &identity,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
}

func refreshTransition(prev Session, tokens TokenPair) Session {
	next := prev
	next.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	return next
}

func logoutTransition(_ Session) Session {
	return Session{}
}
