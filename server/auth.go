package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authMiddleware guards the cache administration routes with a Bearer token.
// When AuthToken is empty the middleware is a no-op. Content, health and metrics
// routes stay public so the site can be rendered without credentials.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.config.AuthToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), tokenBytes) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isAdminPath(p string) bool {
	return p == "/cache" || strings.HasPrefix(p, "/cache/")
}
