// Package operatorauth authenticates worker heartbeats against the shared
// operator token every worker is bootstrapped with (§6.3). This is a
// machine-to-machine shared secret, not a user session: a JWT manager
// (user login/refresh tokens) has no natural role here, so
// authentication is a constant-time comparison against the configured
// token instead.
package operatorauth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// Verifier checks the shared operator token on incoming worker requests.
type Verifier struct {
	token string
}

// New builds a Verifier. token is the shared secret baked into every
// worker-eligible instance's bootstrap script (internal/health/scripts).
func New(token string) *Verifier {
	return &Verifier{token: token}
}

// Middleware rejects requests whose Authorization header does not present
// the shared operator token as a bearer credential.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.Authenticate(r) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate reports whether r carries a valid operator bearer token.
func (v *Verifier) Authenticate(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	presented := strings.TrimPrefix(header, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(v.token)) == 1
}
