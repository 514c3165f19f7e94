package server

import (
	"net/http"
	"os"
	"strings"
)

// withCORS applies CORS headers. CORS_ALLOWED_ORIGINS restricts origins as a
// comma-separated list; unset means permissive, for development.
func withCORS(next http.Handler) http.Handler {
	allowed := strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",")
	permissive := len(allowed) == 1 && allowed[0] == ""

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if permissive {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				for _, a := range allowed {
					if strings.TrimSpace(a) == origin {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Vary", "Origin")
						break
					}
				}
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Correlation-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
