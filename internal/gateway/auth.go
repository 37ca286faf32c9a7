package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks the daemon's bearer token on every route except the
// public ones.
type AuthMiddleware struct {
	token  []byte
	public map[string]bool
}

// NewAuthMiddleware guards requests with token. An empty token rejects
// every guarded request.
func NewAuthMiddleware(token string, publicPaths ...string) *AuthMiddleware {
	am := &AuthMiddleware{token: []byte(token), public: map[string]bool{}}
	for _, p := range publicPaths {
		am.public[p] = true
	}
	return am
}

// Wrap rejects unauthenticated requests with 401 before they reach next.
// Websocket routes are checked here too, so a bad token never upgrades.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.public[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !am.Allow(r) {
			writeErrorCode(w, http.StatusUnauthorized, CodeUnauthorized, "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether r carries the daemon token.
func (am *AuthMiddleware) Allow(r *http.Request) bool {
	candidate := ExtractToken(r)
	if len(am.token) == 0 || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), am.token) == 1
}

// ExtractToken reads the token from Authorization: Bearer <token>, falling
// back to the token query parameter for websocket clients that cannot set
// headers.
func ExtractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}
