// Package middleware provides HTTP middleware for the classwatch server.
package middleware

import (
	"net/http"
	"strings"

	"github.com/ashureev/classwatch/internal/identity"
)

var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"Last-Event-ID",
	identity.StudentHeaderName,
}, ", ")

// CORS returns middleware that handles CORS headers for dashboards served
// from another origin.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed, explicit := false, false
			for _, o := range allowedOrigins {
				if o == "*" {
					allowed = true
				}
				if o != "*" && o == origin {
					allowed, explicit = true, true
					break
				}
			}

			if allowed && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
				w.Header().Add("Vary", "Origin")
				// Credentials only for explicitly listed origins; echoing a
				// wildcard match with credentials enables CSRF.
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
