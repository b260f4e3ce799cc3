package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/msgshield/intake-api/internal/envelope"
	"github.com/msgshield/intake-api/internal/metrics"
	"github.com/msgshield/intake-api/internal/queue"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

// Concurrent inserters racing on the same id are resolved by the
// store's unique key; the loser retries the lookup a few times before
// giving up.
const (
	insertRetries  = 5
	insertRetryGap = 25 * time.Millisecond
)

// rowResponse is the canonical row shape returned on duplicates and in
// admin views, with the payload parsed back out of its stored JSON.
func rowResponse(row *store.OutboxRow) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
		log.Error().Err(err).Str("id", row.ID).Msg("stored payload unreadable")
	}
	resp := map[string]any{
		"id":         row.ID,
		"channel":    row.Channel,
		"payload":    payload,
		"createdAt":  row.CreatedAt.UTC().Format(time.RFC3339Nano),
		"status":     string(row.Status),
		"attempts":   row.Attempts,
		"receivedAt": row.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if row.LastError != nil {
		resp["lastError"] = *row.LastError
	}
	return resp
}

// SubmitOutbox handles POST /v1/outbox: validate, sanitize, fingerprint
// and durably enqueue an envelope with idempotent per-id acceptance.
func (s *Server) SubmitOutbox(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.ContentLength > s.Cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_payload",
			map[string]any{"details": "unreadable body"})
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.IncInvalid(env.Channel)
		writeError(w, http.StatusBadRequest, "invalid_payload",
			map[string]any{"details": "malformed json"})
		return
	}

	if err := envelope.Validate(&env); err != nil {
		metrics.IncInvalid(env.Channel)
		var verr *envelope.ValidationError
		details := err.Error()
		if errors.As(err, &verr) {
			details = verr.Path + ": " + verr.Msg
		}
		log.Warn().Str("id", env.ID).Str("details", details).Msg("envelope rejected")
		writeError(w, http.StatusBadRequest, "invalid_payload",
			map[string]any{"details": details})
		return
	}

	sanitized := envelope.Sanitize(env.Payload)
	canon, err := envelope.CanonicalJSON(sanitized)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload",
			map[string]any{"details": "payload not serializable"})
		return
	}
	hash, err := envelope.Fingerprint(sanitized)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload",
			map[string]any{"details": "payload not serializable"})
		return
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, env.CreatedAt)
	now := time.Now()
	newRow := &store.OutboxRow{
		ID:          env.ID,
		Channel:     env.Channel,
		PayloadJSON: string(canon),
		Hash:        hash,
		Status:      store.StatusQueued,
		CreatedAt:   createdAt,
		ReceivedAt:  now,
		AvailableAt: now,
	}

	for attempt := 0; ; attempt++ {
		existing, err := s.Store.Get(ctx, env.ID)
		switch {
		case err == nil:
			s.resolveExisting(w, r, existing, newRow, start)
			return
		case !errors.Is(err, store.ErrNotFound):
			log.Error().Err(err).Str("id", env.ID).Msg("outbox lookup failed")
			writeError(w, http.StatusInternalServerError, "internal", nil)
			return
		}

		insErr := s.Store.Insert(ctx, newRow)
		if insErr == nil {
			metrics.IncAccepted(env.Channel, "accepted")
			metrics.IncProcessed(env.Channel)
			s.enqueueDelivery(r, env.ID)
			s.respondQueued(w, env.ID, start)
			return
		}
		if !errors.Is(insErr, store.ErrDuplicateID) {
			log.Error().Err(insErr).Str("id", env.ID).Msg("outbox insert failed")
			writeError(w, http.StatusInternalServerError, "internal", nil)
			return
		}
		// Unique-key conflict: another request inserted this id first.
		// Re-read and apply duplicate-or-replace logic.
		if attempt >= insertRetries {
			log.Error().Str("id", env.ID).Msg("insert conflict persisted past retries")
			writeError(w, http.StatusBadRequest, "storage_conflict",
				map[string]any{"details": "concurrent submissions for id"})
			return
		}
		time.Sleep(insertRetryGap)
	}
}

// resolveExisting applies the duplicate-or-replace decision for an id
// that already has a row.
func (s *Server) resolveExisting(w http.ResponseWriter, r *http.Request, existing, incoming *store.OutboxRow, start time.Time) {
	if existing.Hash == incoming.Hash && existing.Channel == incoming.Channel {
		metrics.IncDuplicate(incoming.Channel)
		writeError(w, http.StatusConflict, "conflict",
			map[string]any{"canonical": rowResponse(existing)})
		return
	}

	if _, err := s.Store.Replace(r.Context(), incoming.ID, incoming.PayloadJSON,
		incoming.Hash, incoming.Channel, incoming.CreatedAt); err != nil {
		log.Error().Err(err).Str("id", incoming.ID).Msg("outbox replace failed")
		writeError(w, http.StatusInternalServerError, "internal", nil)
		return
	}

	metrics.IncAccepted(incoming.Channel, "replaced")
	metrics.IncProcessed(incoming.Channel)
	s.enqueueDelivery(r, incoming.ID)
	s.respondQueued(w, incoming.ID, start)
}

func (s *Server) enqueueDelivery(r *http.Request, id string) {
	if s.Queue == nil {
		return
	}
	if err := s.Queue.Enqueue(r.Context(), queue.Job{OutboxID: id}); err != nil {
		// The poller will still pick the row up.
		log.Warn().Err(err).Str("id", id).Msg("failed to enqueue delivery job")
	}
}

func (s *Server) respondQueued(w http.ResponseWriter, id string, start time.Time) {
	elapsed := time.Since(start)
	metrics.ObserveIntakeLatency(elapsed.Seconds())
	w.Header().Set("x-processing-ms", strconv.FormatInt(elapsed.Milliseconds(), 10))
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "id": id})
}
