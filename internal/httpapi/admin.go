package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

// AdminOnly gates the admin surface on the configured admin token.
func (s *Server) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.AdminToken == "" || auth.BearerFromHeader(r) != s.Cfg.AdminToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type tokenView struct {
	ID        string     `json:"id"`
	Name      *string    `json:"name,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// ListTokens handles GET /v1/admin/tokens. Token values are never
// echoed back; they are returned exactly once at creation.
func (s *Server) ListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.Store.List(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list tokens")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenView{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt, RevokedAt: t.RevokedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateToken handles POST /v1/admin/tokens {name?}.
func (s *Server) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name *string `json:"name"`
	}
	if r.Body != nil {
		// Empty body means an unnamed token.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	value, err := auth.NewTokenValue()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate token")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	tok := &store.Token{
		ID:        uuid.New().String(),
		Token:     value,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}
	if err := s.Store.Create(r.Context(), tok); err != nil {
		log.Error().Err(err).Msg("failed to persist token")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"id": tok.ID, "token": tok.Token})
}

// RevokeToken handles POST /v1/admin/tokens/{id}/revoke.
func (s *Server) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Store.Revoke(r.Context(), id, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tokenId", id).Msg("failed to revoke token")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IssueTokenJWT handles POST /v1/admin/tokens/{id}/issue: signs a
// 24-hour JWT bound to the token row.
func (s *Server) IssueTokenJWT(w http.ResponseWriter, r *http.Request) {
	if s.Cfg.JWTSecret == "" {
		writeError(w, http.StatusBadRequest, "jwt_not_configured", nil)
		return
	}

	id := chi.URLParam(r, "id")
	tok, err := s.Store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", nil)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("tokenId", id).Msg("failed to load token")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	signed, err := auth.IssueJWT(s.Cfg.JWTSecret, tok.ID, tok.Token, time.Now())
	if err != nil {
		log.Error().Err(err).Str("tokenId", id).Msg("failed to sign jwt")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jwt": signed})
}

type auditView struct {
	Route     string    `json:"route"`
	Method    string    `json:"method"`
	Token     *string   `json:"token,omitempty"`
	IP        *string   `json:"ip,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListAudits handles GET /v1/admin/audits?limit=N, newest first.
func (s *Server) ListAudits(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)
	entries, err := s.Store.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to list audits")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			Route: e.Route, Method: e.Method, Token: e.Token,
			IP: e.IP, Body: e.Body, CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
