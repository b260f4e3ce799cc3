package httpapi

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/msgshield/intake-api/internal/config"
	"github.com/msgshield/intake-api/internal/store"
)

func TestSubmitOutbox_HappyPath(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	rec := submit(t, router, "client-token", telemetryEnvelope("t-1"))
	if rec.Code != 202 {
		t.Fatalf("status = %d, want 202, body: %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	if body["queued"] != true || body["id"] != "t-1" {
		t.Errorf("body = %v, want queued:true id:t-1", body)
	}
	if rec.Header().Get("x-processing-ms") == "" {
		t.Error("x-processing-ms header missing")
	}

	row, err := mem.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("row not persisted: %v", err)
	}
	if row.Channel != "telemetry" || row.Status != store.StatusQueued || row.Attempts != 0 {
		t.Errorf("row = %+v", row)
	}
	if row.Hash == "" {
		t.Error("row hash not computed")
	}
}

func TestSubmitOutbox_Duplicate(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	first := submit(t, router, "client-token", telemetryEnvelope("t-1"))
	if first.Code != 202 {
		t.Fatalf("first status = %d, want 202", first.Code)
	}

	second := submit(t, router, "client-token", telemetryEnvelope("t-1"))
	if second.Code != 409 {
		t.Fatalf("second status = %d, want 409, body: %s", second.Code, second.Body.String())
	}

	body := decodeBody(t, second)
	if body["error"] != "conflict" {
		t.Errorf("error = %v, want conflict", body["error"])
	}
	canonical, ok := body["canonical"].(map[string]any)
	if !ok || canonical["id"] != "t-1" {
		t.Errorf("canonical = %v, want id t-1", body["canonical"])
	}
	if _, ok := canonical["payload"].(map[string]any); !ok {
		t.Errorf("canonical payload should be parsed, got %T", canonical["payload"])
	}

	row, _ := mem.Get(context.Background(), "t-1")
	if row == nil {
		t.Fatal("row missing after duplicate")
	}
}

func TestSubmitOutbox_Replace(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	if rec := submit(t, router, "client-token", feedbackEnvelope("f-1", 0.2)); rec.Code != 202 {
		t.Fatalf("first status = %d, want 202", rec.Code)
	}

	// Simulate delivery attempts before the replace arrives.
	row, _ := mem.Get(context.Background(), "f-1")
	if err := mem.Fail(context.Background(), "f-1", 2, store.StatusQueued, row.AvailableAt, "x"); err != nil {
		t.Fatal(err)
	}

	if rec := submit(t, router, "client-token", feedbackEnvelope("f-1", 0.9)); rec.Code != 202 {
		t.Fatalf("replace status = %d, want 202", rec.Code)
	}

	row, err := mem.Get(context.Background(), "f-1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Attempts != 0 || row.Status != store.StatusQueued {
		t.Errorf("replace should reset delivery state: %+v", row)
	}
	if !strings.Contains(row.PayloadJSON, "0.9") {
		t.Errorf("payload not replaced: %s", row.PayloadJSON)
	}
}

func TestSubmitOutbox_Oversize(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	big := telemetryEnvelope("t-big")
	big["payload"].(map[string]any)["payload"] = map[string]any{
		"blob": strings.Repeat("z", 300*1024),
	}
	rec := submit(t, router, "client-token", big)
	if rec.Code != 413 {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "payload_too_large" {
		t.Errorf("error = %v, want payload_too_large", body["error"])
	}
	if _, err := mem.Get(context.Background(), "t-big"); err != store.ErrNotFound {
		t.Errorf("no row should be created on 413, got %v", err)
	}
}

func TestSubmitOutbox_Invalid(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{"malformed json", `{"id": `},
		{"unknown channel", map[string]any{
			"id": "x-1", "channel": "carrier-pigeon",
			"payload": map[string]any{}, "createdAt": "2025-10-22T08:00:00Z",
		}},
		{"feedback score out of range", func() map[string]any {
			e := feedbackEnvelope("f-bad", 3.5)
			return e
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := submit(t, router, "client-token", tt.body)
			if rec.Code != 400 {
				t.Fatalf("status = %d, want 400, body: %s", rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["error"] != "invalid_payload" {
				t.Errorf("error = %v, want invalid_payload", body["error"])
			}
			if body["details"] == nil {
				t.Error("details missing")
			}
		})
	}

	if _, err := mem.Get(context.Background(), "f-bad"); err != store.ErrNotFound {
		t.Errorf("invalid envelope must not create a row, got %v", err)
	}
}

func TestSubmitOutbox_Unauthorized(t *testing.T) {
	_, _, router := newTestServer(t, nil)

	rec := submit(t, router, "", telemetryEnvelope("t-1"))
	if rec.Code != 401 {
		t.Errorf("no bearer: status = %d, want 401", rec.Code)
	}
	rec = submit(t, router, "wrong-token", telemetryEnvelope("t-1"))
	if rec.Code != 401 {
		t.Errorf("wrong bearer: status = %d, want 401", rec.Code)
	}
}

func TestSubmitOutbox_RateLimited(t *testing.T) {
	_, _, router := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitMax = 2
	})

	for i := 1; i <= 2; i++ {
		rec := submit(t, router, "client-token", telemetryEnvelope("t-"+strconv.Itoa(i)))
		if rec.Code != 202 {
			t.Fatalf("request %d status = %d, want 202", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("request %d: X-RateLimit-Limit = %q, want 2", i, rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := submit(t, router, "client-token", telemetryEnvelope("t-3"))
	if rec.Code != 429 {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rec.Header().Get("X-RateLimit-Remaining"))
	}
	retryAfter := rec.Header().Get("Retry-After")
	if n, err := strconv.Atoi(retryAfter); err != nil || n < 1 {
		t.Errorf("Retry-After = %q, want positive integer seconds", retryAfter)
	}
	body := decodeBody(t, rec)
	if body["error"] != "rate_limited" || body["retryAfter"] == nil {
		t.Errorf("body = %v", body)
	}
}

func TestSubmitOutbox_ConcurrentSameID(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	const n = 16
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/v1/outbox", strings.NewReader(mustJSON(telemetryEnvelope("race-1"))))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer client-token")
			router.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	var accepted, conflicted int
	for _, c := range codes {
		switch c {
		case 202:
			accepted++
		case 409:
			conflicted++
		default:
			t.Errorf("unexpected status %d", c)
		}
	}
	if accepted < 1 {
		t.Errorf("accepted = %d, want at least 1", accepted)
	}
	if accepted+conflicted != n {
		t.Errorf("accepted+conflicted = %d, want %d", accepted+conflicted, n)
	}

	row, err := mem.Get(context.Background(), "race-1")
	if err != nil || row == nil {
		t.Fatalf("exactly one canonical row expected: %v", err)
	}
}

func TestMutatingRequestsAudited(t *testing.T) {
	_, mem, router := newTestServer(t, nil)

	if rec := submit(t, router, "client-token", telemetryEnvelope("t-1")); rec.Code != 202 {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	audits, err := mem.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audits))
	}
	e := audits[0]
	if e.Route != "/v1/outbox" || e.Method != "POST" {
		t.Errorf("audit = %+v", e)
	}
	if e.Token == nil || *e.Token != "client-token" {
		t.Errorf("audit token = %v, want client-token", e.Token)
	}
	if !strings.Contains(e.Body, `"t-1"`) {
		t.Errorf("audit body should contain the request body: %s", e.Body)
	}
}
