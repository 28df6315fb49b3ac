package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"synapsis/internal/domain"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name string
	// SessionID restricts forwarded events to one session. Empty means all.
	SessionID string
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry is one accepted static token.
type TokenEntry struct {
	Token string
	Name  string
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison.
type StaticTokenAuth struct {
	entries []TokenEntry
}

// NewStaticTokenAuth builds an authenticator. Empty tokens are skipped.
func NewStaticTokenAuth(entries []TokenEntry) *StaticTokenAuth {
	a := &StaticTokenAuth{}
	for _, e := range entries {
		if e.Token != "" {
			a.entries = append(a.entries, e)
		}
	}
	return a
}

// Authenticate returns a fresh ClientInfo if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, []byte(e.Token)) == 1 {
			return &ClientInfo{Name: e.Name}, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}

// requestToken reads the token query parameter, falling back to a bearer
// Authorization header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
