package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const headerAPIKey = "X-API-Key"

// withAPIKey requires the configured key on /v1 routes. Probes and metrics
// stay open.
func (s *Server) withAPIKey(next http.Handler) http.Handler {
	key := strings.TrimSpace(s.cfg.APIKey)
	if key == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if subtle.ConstantTimeCompare([]byte(presentedKey(r)), []byte(key)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func presentedKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(headerAPIKey)); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
