package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// EndpointFromEnv reads the flush target the host app configures at
// build time. Empty when unset, which makes Flush a retaining no-op.
func EndpointFromEnv() string {
	return os.Getenv("EXPO_PUBLIC_FEEDBACK_ENDPOINT")
}

// DropReason explains why the flusher removed an entry without the
// server accepting it.
type DropReason string

const (
	DropMaxRetries DropReason = "max-retries"
	DropPermanent  DropReason = "permanent"
)

// Flusher drains a Store over HTTP. It is single-flight: a flush in
// progress makes concurrent Flush calls return immediately.
type Flusher struct {
	Store *Store

	// Endpoint is the full intake URL. Empty means flushing is a no-op
	// and entries are retained.
	Endpoint string
	// Token is sent as a bearer credential when non-empty.
	Token string
	// DeviceID is sent as X-Device-Id when non-empty.
	DeviceID string

	// Retry tuning. Zero values take the defaults below.
	MaxRetryCount int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration

	// OnDrop is called once per entry dropped without acceptance.
	OnDrop func(entry Entry, reason DropReason)

	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client

	// Now is stubbed in tests.
	Now func() time.Time

	flushing atomic.Bool
}

const (
	defaultMaxRetryCount = 5
	defaultBaseBackoff   = 2 * time.Second
	defaultMaxBackoff    = time.Hour
)

func (f *Flusher) maxRetries() int {
	if f.MaxRetryCount > 0 {
		return f.MaxRetryCount
	}
	return defaultMaxRetryCount
}

func (f *Flusher) base() time.Duration {
	if f.BaseBackoff > 0 {
		return f.BaseBackoff
	}
	return defaultBaseBackoff
}

func (f *Flusher) cap() time.Duration {
	if f.MaxBackoff > 0 {
		return f.MaxBackoff
	}
	return defaultMaxBackoff
}

func (f *Flusher) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (f *Flusher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// backoffDelay is the wait before the next attempt, given how many
// failures the entry has already accumulated.
func (f *Flusher) backoffDelay(retryCount int) time.Duration {
	exp := retryCount
	if exp > 10 {
		exp = 10
	}
	d := f.base() << exp
	if d > f.cap() {
		d = f.cap()
	}
	return d
}

// Flush walks a snapshot of the queue in insertion order, posting each
// eligible entry and applying the per-status retention policy. It
// returns the number of entries the server accepted.
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	if !f.flushing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer f.flushing.Store(false)

	if f.Endpoint == "" {
		return 0, nil
	}

	snapshot, err := f.Store.Snapshot()
	if err != nil {
		return 0, err
	}
	if len(snapshot) == 0 {
		return 0, nil
	}

	snapshotIDs := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		snapshotIDs[e.ID] = true
	}

	var (
		retained      []Entry
		accepted      int
		loggedNetFail bool
	)
	for _, entry := range snapshot {
		if entry.NextAttemptAt != nil && entry.NextAttemptAt.After(f.now()) {
			retained = append(retained, entry)
			continue
		}

		resp, err := f.post(ctx, entry)
		if err != nil {
			if !loggedNetFail {
				log.Debug().Err(err).Str("endpoint", f.Endpoint).Msg("outbox endpoint unreachable")
				loggedNetFail = true
			}
			retained = f.scheduleRetry(retained, entry)
			continue
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			accepted++
		case resp.StatusCode == http.StatusConflict:
			// The server already holds the canonical copy.
			accepted++
		case resp.StatusCode == http.StatusBadRequest ||
			resp.StatusCode == http.StatusRequestEntityTooLarge:
			f.drop(entry, DropPermanent)
		case resp.StatusCode == http.StatusTooManyRequests:
			if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After"), f.now()); ok {
				at := f.now().Add(delay)
				entry.NextAttemptAt = &at
				retained = append(retained, entry)
			} else {
				retained = f.scheduleRetry(retained, entry)
			}
		default:
			retained = f.scheduleRetry(retained, entry)
		}
	}

	if err := f.Store.commitFlush(snapshotIDs, retained); err != nil {
		return accepted, err
	}
	return accepted, nil
}

func (f *Flusher) post(ctx context.Context, entry Entry) (*http.Response, error) {
	body, err := json.Marshal(map[string]any{
		"id":        entry.ID,
		"channel":   entry.Channel,
		"payload":   entry.Payload,
		"createdAt": entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}
	if f.DeviceID != "" {
		req.Header.Set("X-Device-Id", f.DeviceID)
	}
	return f.client().Do(req)
}

// scheduleRetry applies the transient-failure policy: back off from the
// current failure count, bump it, and drop once the cap is reached.
func (f *Flusher) scheduleRetry(retained []Entry, entry Entry) []Entry {
	delay := f.backoffDelay(entry.RetryCount)
	entry.RetryCount++
	if entry.RetryCount >= f.maxRetries() {
		f.drop(entry, DropMaxRetries)
		return retained
	}
	at := f.now().Add(delay)
	entry.NextAttemptAt = &at
	return append(retained, entry)
}

func (f *Flusher) drop(entry Entry, reason DropReason) {
	log.Debug().Str("id", entry.ID).Str("reason", string(reason)).Msg("dropping outbox entry")
	if f.OnDrop != nil {
		f.OnDrop(entry, reason)
	}
}

// parseRetryAfter accepts integer seconds or an HTTP-date, per RFC 9110.
// Past dates floor at zero.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
