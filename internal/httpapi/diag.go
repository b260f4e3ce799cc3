package httpapi

import (
	"net/http"
	"time"

	"github.com/msgshield/intake-api/internal/envelope"
)

// Health handles GET /v1/health.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.StartedAt).Seconds()),
	})
}

// Ready handles GET /v1/ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// ConfigInfo handles GET /v1/config: static feature flags for clients.
// Callable without authentication so clients can discover limits before
// credential setup.
func (s *Server) ConfigInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"intake":       true,
		"channels":     []string{envelope.ChannelFeedback, envelope.ChannelTelemetry, envelope.ChannelReport},
		"maxBodyBytes": s.Cfg.MaxBodyBytes,
		"rateLimit": map[string]any{
			"windowSeconds": s.Cfg.RateLimitWindowSeconds,
			"maxRequests":   s.Cfg.RateLimitMax,
		},
		"hints": map[string]any{
			"backoffMsOn429": 1500,
		},
	})
}
