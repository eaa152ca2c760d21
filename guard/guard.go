// Package guard decides whether a navigation may proceed. The decision
// function is pure and total: it reads the session, never writes it, and
// returns a defined verdict for every role/path combination. All durable
// effects (performing the redirect) belong to the caller.
package guard

import (
	"slices"

	"github.com/evmotors/dealer-core/session"
)

// DefaultLoginPath is used when a Policy does not name one.
const DefaultLoginPath = "/login"

// Action is the verdict kind.
type Action int

const (
	ActionAllow Action = iota
	ActionRedirect
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "redirect"
}

// Decision is the guard's verdict for one navigation.
type Decision struct {
	Action   Action
	Location string
	// ReturnTo carries the originally requested path when redirecting to
	// login, so the caller can come back after authentication.
	ReturnTo string
}

// Allowed reports whether navigation may proceed unchanged.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Policy configures the guard for one route partition.
type Policy struct {
	// AllowedRoles restricts the partition when non-empty; empty means any
	// authenticated user.
	AllowedRoles []session.Role
	// RoleHomes maps each role to its landing route.
	RoleHomes map[session.Role]string
	// LoginPath defaults to DefaultLoginPath.
	LoginPath string
	// UnauthorizedPath receives authenticated users whose role is outside
	// the allowed set and has no mapped home. Defaults to the login path.
	UnauthorizedPath string
	// RootPath is the generic landing page authenticated users are steered
	// away from. Defaults to "/".
	RootPath string
}

func (p Policy) loginPath() string {
	if p.LoginPath == "" {
		return DefaultLoginPath
	}
	return p.LoginPath
}

func (p Policy) unauthorizedPath() string {
	if p.UnauthorizedPath == "" {
		return p.loginPath()
	}
	return p.UnauthorizedPath
}

func (p Policy) rootPath() string {
	if p.RootPath == "" {
		return "/"
	}
	return p.RootPath
}

func allow() Decision {
	return Decision{Action: ActionAllow}
}

func redirect(location string) Decision {
	return Decision{Action: ActionRedirect, Location: location}
}

// Decide evaluates one navigation. Unauthenticated sessions are sent to
// the login path with the requested path preserved for post-login return.
// Authenticated sessions whose role is outside a non-empty allowed set are
// sent to their role home (or the unauthorized path when the role is
// unmapped). A request
// for the root path by an authenticated user with a mapped home is steered
// to that home. Everything else is allowed.
func Decide(sess session.Session, requestedPath string, p Policy) Decision {
	if !sess.Authenticated() {
		d := redirect(p.loginPath())
		d.ReturnTo = requestedPath
		return d
	}

	role := sess.Identity.Role
	home, hasHome := p.RoleHomes[role]

	if len(p.AllowedRoles) > 0 && !slices.Contains(p.AllowedRoles, role) {
		if hasHome {
			return redirect(home)
		}
		return redirect(p.unauthorizedPath())
	}

	if requestedPath == p.rootPath() && hasHome && home != requestedPath {
		return redirect(home)
	}

	return allow()
}
