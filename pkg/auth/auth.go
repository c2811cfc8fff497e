package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// Gate validates the shared credential for privileged operations.
// An empty secret denies everything, so a server without a configured
// token cannot be published to.
type Gate struct {
	secret []byte
}

// New creates a gate for the given shared secret.
func New(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Authorize reports whether the credential matches the configured secret.
// The comparison runs in constant time.
func (g *Gate) Authorize(credential string) bool {
	if len(g.secret) == 0 || credential == "" {
		return false
	}
	return subtle.ConstantTimeCompare(g.secret, []byte(credential)) == 1
}

// Enabled reports whether a secret is configured.
func (g *Gate) Enabled() bool {
	return len(g.secret) > 0
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// Returns an empty string if the header is missing or malformed.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return header[len(bearerPrefix):]
}
