package httpserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthGuard accepts any one of three credentials: a bearer token, a
// staff API key (X-Staff-Key) or an admin API key (X-Admin-Key).
// Comparison is constant-time. With no credentials configured the guard
// rejects everything, so an unconfigured API cannot be driven by
// accident.
func (s *Server) AuthGuard() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.authorized(r) {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHORIZED",
					Message: "valid bearer token or API key required",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if auth := r.Header.Get("Authorization"); auth != "" && s.Cfg.APIBearerToken != "" {
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != auth && secureEqual(token, s.Cfg.APIBearerToken) {
			return true
		}
	}
	if key := r.Header.Get("X-Staff-Key"); key != "" && s.Cfg.StaffAPIKey != "" && secureEqual(key, s.Cfg.StaffAPIKey) {
		return true
	}
	if key := r.Header.Get("X-Admin-Key"); key != "" && s.Cfg.AdminAPIKey != "" && secureEqual(key, s.Cfg.AdminAPIKey) {
		return true
	}
	return false
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
