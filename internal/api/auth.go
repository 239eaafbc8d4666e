package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PTHyperdrive/Proxmox-renting-manager/internal/config"
)

// RequireAuth middleware checks for API token authentication
func RequireAuth(cfg *config.Config, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no API token is configured, allow access
		if cfg.Security.APIKey == "" {
			handler(w, r)
			return
		}

		apiToken := r.Header.Get("X-API-Token")
		if apiToken == "" || subtle.ConstantTimeCompare([]byte(apiToken), []byte(cfg.Security.APIKey)) != 1 {
			log.Warn().
				Str("ip", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("Unauthorized API access attempt")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		handler(w, r)
	}
}
