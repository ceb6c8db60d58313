package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireToken guards the control API with a static bearer token when one
// is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	// EventSource cannot set headers.
	return r.URL.Query().Get("token")
}
