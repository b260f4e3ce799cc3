package outbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newFlusher(s *Store, endpoint string) *Flusher {
	return &Flusher{Store: s, Endpoint: endpoint, Token: "client-token"}
}

func enqueue(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.Enqueue("telemetry", map[string]any{"name": "x"}, id, false); err != nil {
		t.Fatal(err)
	}
}

func TestFlushAcceptedDropsEntry(t *testing.T) {
	var gotBody map[string]any
	var gotAuth, gotDevice string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-Id")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	f := newFlusher(s, srv.URL)
	f.DeviceID = "device-9"
	accepted, err := f.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}

	if gotAuth != "Bearer client-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotDevice != "device-9" {
		t.Errorf("X-Device-Id = %q", gotDevice)
	}
	if gotBody["id"] != "t-1" || gotBody["channel"] != "telemetry" {
		t.Errorf("posted body = %v", gotBody)
	}
	if gotBody["createdAt"] == nil {
		t.Error("createdAt missing from posted body")
	}

	snap, _ := s.Snapshot()
	if len(snap) != 0 {
		t.Errorf("entries after accept = %d, want 0", len(snap))
	}
}

func TestFlushConflictDropsEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	var dropped []DropReason
	f := newFlusher(s, srv.URL)
	f.OnDrop = func(e Entry, r DropReason) { dropped = append(dropped, r) }
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.Snapshot()
	if len(snap) != 0 {
		t.Error("409 means the server holds the canonical copy; entry should drop")
	}
	if len(dropped) != 0 {
		t.Errorf("409 is not a failure; drop callback fired with %v", dropped)
	}
}

func TestFlushPermanentFailureDrops(t *testing.T) {
	for _, code := range []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		s := NewStore(NewMemKV())
		enqueue(t, s, "t-1")

		var gotReason DropReason
		f := newFlusher(s, srv.URL)
		f.OnDrop = func(e Entry, r DropReason) { gotReason = r }
		if _, err := f.Flush(context.Background()); err != nil {
			t.Fatal(err)
		}
		srv.Close()

		snap, _ := s.Snapshot()
		if len(snap) != 0 {
			t.Errorf("status %d: entry retained, want dropped", code)
		}
		if gotReason != DropPermanent {
			t.Errorf("status %d: reason = %q, want %q", code, gotReason, DropPermanent)
		}
	}
}

func TestFlushTransientBackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	clock := time.Now()
	f := newFlusher(s, srv.URL)
	f.Now = func() time.Time { return clock }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("entries = %d, want 1 retained", len(snap))
	}
	e := snap[0]
	if e.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", e.RetryCount)
	}
	want := clock.Add(2 * time.Second)
	if e.NextAttemptAt == nil || !e.NextAttemptAt.Equal(want) {
		t.Errorf("NextAttemptAt = %v, want %v", e.NextAttemptAt, want)
	}

	// Before the schedule passes the entry is skipped without a request.
	before := calls.Load()
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != before {
		t.Error("ineligible entry was posted")
	}

	// Advance past the schedule; second attempt succeeds and drops it.
	clock = clock.Add(3 * time.Second)
	accepted, err := f.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}
	snap, _ = s.Snapshot()
	if len(snap) != 0 {
		t.Errorf("entries = %d, want 0 after delivery", len(snap))
	}
}

func TestFlushMaxRetriesDrops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")
	snap, _ := s.Snapshot()
	snap[0].RetryCount = 4
	if err := s.commitFlush(map[string]bool{"t-1": true}, snap); err != nil {
		t.Fatal(err)
	}

	var drops int
	var gotReason DropReason
	f := newFlusher(s, srv.URL)
	f.OnDrop = func(e Entry, r DropReason) { drops++; gotReason = r }

	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ = s.Snapshot()
	if len(snap) != 0 {
		t.Error("entry should be dropped at the retry cap")
	}
	if drops != 1 || gotReason != DropMaxRetries {
		t.Errorf("drops = %d reason = %q, want 1 %q", drops, gotReason, DropMaxRetries)
	}
}

func TestFlushHonorsRetryAfter(t *testing.T) {
	tests := []struct {
		name   string
		header func(now time.Time) string
		want   time.Duration
	}{
		{"integer seconds", func(time.Time) string { return "7" }, 7 * time.Second},
		{"http date", func(now time.Time) string {
			return now.Add(30 * time.Second).UTC().Format(http.TimeFormat)
		}, 30 * time.Second},
		{"past date floors at zero", func(now time.Time) string {
			return now.Add(-time.Minute).UTC().Format(http.TimeFormat)
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := time.Now()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", tt.header(clock))
				w.WriteHeader(http.StatusTooManyRequests)
			}))
			defer srv.Close()

			s := NewStore(NewMemKV())
			enqueue(t, s, "t-1")

			f := newFlusher(s, srv.URL)
			f.Now = func() time.Time { return clock }
			if _, err := f.Flush(context.Background()); err != nil {
				t.Fatal(err)
			}

			snap, _ := s.Snapshot()
			if len(snap) != 1 {
				t.Fatalf("entries = %d, want 1 retained", len(snap))
			}
			e := snap[0]
			if e.RetryCount != 0 {
				t.Errorf("RetryCount = %d, honored Retry-After must not consume a retry", e.RetryCount)
			}
			got := e.NextAttemptAt.Sub(clock)
			// HTTP dates have second granularity.
			if got < tt.want-time.Second || got > tt.want+time.Second {
				t.Errorf("NextAttemptAt delay = %v, want ~%v", got, tt.want)
			}
		})
	}
}

func TestFlushRateLimitedWithoutHeaderIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	f := newFlusher(s, srv.URL)
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	snap, _ := s.Snapshot()
	if len(snap) != 1 || snap[0].RetryCount != 1 {
		t.Errorf("snapshot = %+v, want one entry with RetryCount 1", snap)
	}
}

func TestFlushNetworkErrorIsTransient(t *testing.T) {
	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	// Nothing listens here.
	f := newFlusher(s, "http://127.0.0.1:1/v1/outbox")
	f.HTTPClient = &http.Client{Timeout: time.Second}
	if _, err := f.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.Snapshot()
	if len(snap) != 1 || snap[0].RetryCount != 1 {
		t.Errorf("snapshot = %+v, want one entry with RetryCount 1", snap)
	}
}

func TestFlushNoEndpointIsNoop(t *testing.T) {
	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	f := &Flusher{Store: s}
	accepted, err := f.Flush(context.Background())
	if err != nil || accepted != 0 {
		t.Fatalf("accepted = %d err = %v", accepted, err)
	}
	snap, _ := s.Snapshot()
	if len(snap) != 1 {
		t.Error("entries must be retained with no endpoint configured")
	}
}

func TestFlushSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	f := newFlusher(s, srv.URL)

	var wg sync.WaitGroup
	results := make([]int, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, _ := f.Flush(context.Background())
			results[i] = n
		}(i)
	}

	// Let one flush reach the server, then release everyone.
	for requests.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1 (single-flight)", requests.Load())
	}
	total := 0
	for _, n := range results {
		total += n
	}
	if total != 1 {
		t.Errorf("total accepted = %d, want 1", total)
	}
}

func TestFlushEnqueueDuringFlushIsDeferred(t *testing.T) {
	s := NewStore(NewMemKV())
	enqueue(t, s, "t-1")

	var duringFlush sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		duringFlush.Do(func() {
			if _, err := s.Enqueue("telemetry", map[string]any{"name": "late"}, "t-2", false); err != nil {
				t.Error(err)
			}
		})
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := newFlusher(s, srv.URL)
	accepted, err := f.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if accepted != 1 {
		t.Errorf("accepted = %d, want 1 (snapshot excludes late enqueue)", accepted)
	}

	snap, _ := s.Snapshot()
	if len(snap) != 1 || snap[0].ID != "t-2" {
		t.Errorf("snapshot = %+v, want the late entry retained for the next cycle", snap)
	}
}

func TestBackoffDelayTable(t *testing.T) {
	f := &Flusher{}
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{9, 1024 * time.Second},
		{10, 2048 * time.Second},
		{50, 2048 * time.Second}, // exponent capped at 10, under the 1h ceiling
	}
	for _, tt := range tests {
		if got := f.backoffDelay(tt.retryCount); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.retryCount, got, tt.want)
		}
	}

	capped := &Flusher{MaxBackoff: 10 * time.Second}
	if got := capped.backoffDelay(8); got != 10*time.Second {
		t.Errorf("backoffDelay with 10s ceiling = %v, want 10s", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Now()
	if _, ok := parseRetryAfter("", now); ok {
		t.Error("empty header should not parse")
	}
	if _, ok := parseRetryAfter("-5", now); ok {
		t.Error("negative seconds should not parse")
	}
	if _, ok := parseRetryAfter("soon", now); ok {
		t.Error("garbage should not parse")
	}
	if d, ok := parseRetryAfter("0", now); !ok || d != 0 {
		t.Errorf("zero seconds = %v %v", d, ok)
	}
}
