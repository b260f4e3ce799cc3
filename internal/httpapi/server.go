package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/config"
	"github.com/msgshield/intake-api/internal/queue"
	"github.com/msgshield/intake-api/internal/ratelimit"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers
type Server struct {
	Store    store.Store
	Cfg      config.Config
	Verifier *auth.Verifier
	Limiter  ratelimit.Counter
	Queue    queue.Queue // optional delivery queue; nil for poller-only

	StartedAt time.Time
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError writes the standard error body, optionally merged with
// extra fields (details, canonical, retryAfter).
func writeError(w http.ResponseWriter, code int, errCode string, extra map[string]any) {
	body := map[string]any{"error": errCode}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, code, body)
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
