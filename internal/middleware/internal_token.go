package middleware

import (
	"crypto/subtle"
	"net/http"
)

// InternalTokenHeader carries the shared token for internal endpoints.
const InternalTokenHeader = "X-Internal-Token"

// InternalToken restricts access to requests carrying token in
// InternalTokenHeader. An empty token disables the check.
// Uses constant-time comparison to prevent timing attacks.
func InternalToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			headerToken := r.Header.Get(InternalTokenHeader)
			if subtle.ConstantTimeCompare([]byte(headerToken), []byte(token)) != 1 {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
