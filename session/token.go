package session

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry extracts the expiry claim from an access token without
// verifying its signature; signature verification is the server's concern,
// the client only needs the deadline for proactive refresh. Returns the
// zero time when the token carries no exp claim.
func TokenExpiry(accessToken string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}, errors.Wrap(err, "session: parsing access token")
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
