package httpapi

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// RateLimitMiddleware enforces a sliding-window request budget per
// credential (falling back to the remote IP for anonymous callers).
// Counter-store failures never block a request: log and allow.
func RateLimitMiddleware(counter ratelimit.Counter, limit int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "rate:"
			if tok := auth.Bearer(r.Context()); tok != "" {
				key += tok
			} else if tok := auth.BearerFromHeader(r); tok != "" {
				key += tok
			} else {
				key += r.RemoteAddr
			}

			count, ttl, err := counter.Incr(r.Context(), key, window)
			if err != nil {
				log.Warn().Err(err).Msg("rate limit counter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}

			remaining := int64(limit) - count
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).UnixMilli(), 10))

			if count > int64(limit) {
				retryAfter := int(math.Ceil(ttl.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

				log.Warn().
					Str("key", key).
					Str("path", r.URL.Path).
					Int("retryAfter", retryAfter).
					Msg("rate limit exceeded")

				writeError(w, http.StatusTooManyRequests, "rate_limited",
					map[string]any{"retryAfter": retryAfter})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
