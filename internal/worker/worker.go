package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/msgshield/intake-api/internal/metrics"
	"github.com/msgshield/intake-api/internal/queue"
	"github.com/msgshield/intake-api/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	upstreamTimeout = 10 * time.Second
	baseBackoff     = 500 * time.Millisecond
	maxBackoff      = 60 * time.Second
)

// Worker delivers queued outbox rows to the upstream sink. Two drivers
// may be active: a single polling goroutine, and optional external
// queue consumers. Both converge on processRow, which is idempotent on
// the row id.
type Worker struct {
	store        store.OutboxStore
	audits       store.AuditStore
	client       *http.Client
	upstreamURL  string
	pollInterval time.Duration
	maxAttempts  int
	queue        queue.Queue

	now func() time.Time

	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

type Options struct {
	UpstreamURL  string
	PollInterval time.Duration
	MaxAttempts  int
	Queue        queue.Queue // nil for poller-only operation
	HTTPClient   *http.Client
}

func New(s store.OutboxStore, audits store.AuditStore, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: upstreamTimeout}
	}
	return &Worker{
		store:        s,
		audits:       audits,
		client:       opts.HTTPClient,
		upstreamURL:  opts.UpstreamURL,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		queue:        opts.Queue,
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start launches the poller and, when a queue is configured, its
// consumers.
func (w *Worker) Start(ctx context.Context) error {
	if w.queue != nil {
		if err := w.queue.Consume(ctx, func(ctx context.Context, job queue.Job) {
			w.processID(ctx, job.OutboxID)
		}); err != nil {
			return err
		}
	}
	go w.pollLoop(ctx)
	return nil
}

// Stop signals the poller to exit at its next idle tick.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Close stops the poller and drains queue consumers. In-flight
// deliveries run to completion and their result is persisted.
func (w *Worker) Close() error {
	w.Stop()
	<-w.doneCh
	var err error
	w.closeOnce.Do(func() {
		if w.queue != nil {
			err = w.queue.Close()
		}
	})
	return err
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("poll_interval", w.pollInterval).
		Int("max_attempts", w.maxAttempts).
		Str("upstream", w.upstreamURL).
		Msg("outbox worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Msg("outbox worker stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("outbox worker context canceled")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes eligible rows until none remain.
func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		row, err := w.store.NextQueued(ctx, w.now())
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("outbox scan failed")
			return
		}
		w.processRow(ctx, row)
	}
}

func (w *Worker) processID(ctx context.Context, id string) {
	row, err := w.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Error().Err(err).Str("id", id).Msg("outbox job lookup failed")
		}
		return
	}
	// Queue messages may be redelivered or arrive after the poller
	// already handled the row; only queued, currently-eligible rows
	// are processed.
	if row.Status != store.StatusQueued || row.AvailableAt.After(w.now()) {
		return
	}
	w.processRow(ctx, row)
}

func (w *Worker) processRow(ctx context.Context, row *store.OutboxRow) {
	if err := w.deliver(ctx, row); err != nil {
		w.recordFailure(ctx, row, err)
		return
	}
	if err := w.store.MarkProcessed(ctx, row.ID); err != nil {
		log.Error().Err(err).Str("id", row.ID).Msg("failed to mark row processed")
		return
	}
	metrics.IncDelivered(row.Channel)
	log.Debug().Str("id", row.ID).Str("channel", row.Channel).Msg("outbox row delivered")
}

func (w *Worker) deliver(ctx context.Context, row *store.OutboxRow) error {
	// No upstream configured: accept locally and move on.
	if w.upstreamURL == "" {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(row.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("stored payload unreadable: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"id":      row.ID,
		"channel": row.Channel,
		"payload": payload,
	})
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.upstreamURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) recordFailure(ctx context.Context, row *store.OutboxRow, cause error) {
	metrics.IncDeliveryFailed(row.Channel)

	attempts := row.Attempts + 1
	status := store.StatusQueued
	availableAt := w.now().Add(backoff(attempts))
	if attempts >= w.maxAttempts {
		status = store.StatusError
	}

	if err := w.store.Fail(ctx, row.ID, attempts, status, availableAt, cause.Error()); err != nil {
		log.Error().Err(err).Str("id", row.ID).Msg("failed to record delivery failure")
		return
	}

	if status == store.StatusError {
		log.Error().
			Str("id", row.ID).
			Str("channel", row.Channel).
			Int("attempts", attempts).
			Err(cause).
			Msg("outbox row dead-lettered")
		w.auditError(ctx, row, attempts, cause)
		return
	}

	log.Warn().
		Str("id", row.ID).
		Int("attempts", attempts).
		Time("available_at", availableAt).
		Err(cause).
		Msg("delivery failed; retry scheduled")
}

func (w *Worker) auditError(ctx context.Context, row *store.OutboxRow, attempts int, cause error) {
	body, _ := json.Marshal(map[string]any{
		"id":        row.ID,
		"channel":   row.Channel,
		"attempts":  attempts,
		"lastError": cause.Error(),
	})
	entry := &store.AuditEntry{
		Route:     "worker/outbox/error",
		Method:    "WORKER",
		Body:      string(body),
		CreatedAt: w.now(),
	}
	if err := w.audits.Append(ctx, entry); err != nil {
		log.Error().Err(err).Str("id", row.ID).Msg("failed to audit dead-lettered row")
	}
}

// backoff bounds the retry delay at 60s: 500ms * 2^attempts.
func backoff(attempts int) time.Duration {
	if attempts > 10 {
		attempts = 10
	}
	d := baseBackoff << uint(attempts)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
