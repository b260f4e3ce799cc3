package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Routes creates the HTTP router. Health, readiness, config and metrics
// are open; the intake endpoint requires a bearer credential and sits
// behind the rate limiter; the admin surface is gated on the admin
// token. Mutating requests on both guarded groups are audited.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(CorrelationMiddleware)
	r.Use(middleware.Recoverer)

	// Diagnostics (unauthenticated)
	r.Get("/v1/health", s.Health)
	r.Get("/v1/ready", s.Ready)
	r.Get("/v1/config", s.ConfigInfo)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Intake
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Verifier))
		r.Use(RateLimitMiddleware(s.Limiter, s.Cfg.RateLimitMax, s.Cfg.RateLimitWindow()))
		r.Use(s.Audit)

		r.Post("/v1/outbox", s.SubmitOutbox)
	})

	// Admin
	r.Group(func(r chi.Router) {
		r.Use(s.AdminOnly)
		r.Use(RateLimitMiddleware(s.Limiter, s.Cfg.RateLimitMax, s.Cfg.RateLimitWindow()))
		r.Use(s.Audit)

		r.Get("/v1/admin/tokens", s.ListTokens)
		r.Post("/v1/admin/tokens", s.CreateToken)
		r.Post("/v1/admin/tokens/{id}/revoke", s.RevokeToken)
		r.Post("/v1/admin/tokens/{id}/issue", s.IssueTokenJWT)
		r.Get("/v1/admin/audits", s.ListAudits)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}
