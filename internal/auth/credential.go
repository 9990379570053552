// Package auth inspects the session credential and guards the local MCP
// endpoint with API keys.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the bearer token of an authenticated session, with the
// claims the client can read without the server's signing key.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// subjectClaims are checked in order for the user id. The backend signs
// {id: <user id>} rather than a registered "sub".
var subjectClaims = []string{"sub", "id", "userId", "_id"}

// ParseCredential reads the claims of a JWT bearer token without verifying
// its signature. The server is the only party that verifies; the client
// only needs the expiry so it can end the session when the token lapses.
// Opaque (non-JWT) tokens are accepted with no subject and no expiry.
func ParseCredential(token string) (Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Credential{}, fmt.Errorf("empty credential")
	}

	cred := Credential{Token: token}

	if strings.Count(token, ".") != 2 {
		return cred, nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("parsing credential: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("reading credential expiry: %w", err)
	}

	if exp != nil {
		cred.ExpiresAt = exp.Time
	}

	for _, name := range subjectClaims {
		if v, ok := claims[name].(string); ok && v != "" {
			cred.Subject = v
			break
		}
	}

	return cred, nil
}

// Expired reports whether the credential has a known expiry at or before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TTL returns the time left before expiry. ok is false when the
// credential carries no expiry.
func (c Credential) TTL(now time.Time) (time.Duration, bool) {
	if c.ExpiresAt.IsZero() {
		return 0, false
	}

	return c.ExpiresAt.Sub(now), true
}
