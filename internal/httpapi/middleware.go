package httpapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

type contextKey string

const correlationIDKey contextKey = "correlationId"

// auditBodyCap bounds how much of a request body lands in the audit
// log.
const auditBodyCap = 64 * 1024

// CorrelationMiddleware reads X-Correlation-ID header and adds it to context
// Generates a new correlation ID if client doesn't provide one
// This enables end-to-end request tracing across client and server logs
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		// Add to response headers for client verification
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)

		// Add to logger context for all logs in this request
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(correlationIDKey).(string); ok {
		return correlationID
	}
	return ""
}

// Audit records every mutating request after its response is produced.
// Persistence failures are logged and swallowed; the audit log never
// fails a request.
func (s *Server) Audit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
		default:
			next.ServeHTTP(w, r)
			return
		}

		var bodyCopy []byte
		if r.Body != nil {
			captured, err := io.ReadAll(io.LimitReader(r.Body, auditBodyCap))
			if err == nil {
				bodyCopy = captured
				// Handlers read the body again from the captured copy
				// plus whatever remains past the cap.
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(captured), r.Body), r.Body}
			}
		}

		next.ServeHTTP(w, r)

		entry := &store.AuditEntry{
			Route:     r.URL.Path,
			Method:    r.Method,
			Body:      string(bodyCopy),
			CreatedAt: time.Now(),
		}
		if tok := auth.Bearer(r.Context()); tok != "" {
			entry.Token = &tok
		} else if tok := auth.BearerFromHeader(r); tok != "" {
			entry.Token = &tok
		}
		if ip := r.RemoteAddr; ip != "" {
			entry.IP = &ip
		}

		if err := s.Store.Append(r.Context(), entry); err != nil {
			log.Error().Err(err).Str("route", entry.Route).Msg("failed to persist audit entry")
		}
	})
}
