package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/msgshield/intake-api/internal/auth"
	"github.com/msgshield/intake-api/internal/config"
	"github.com/msgshield/intake-api/internal/ratelimit"
	"github.com/msgshield/intake-api/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		Env:                    "test",
		AuthTokens:             []string{"client-token"},
		AdminToken:             "admin-token",
		JWTSecret:              "test-secret",
		RateLimitMax:           600,
		RateLimitWindowSeconds: 60,
		OutboxMaxAttempts:      5,
		MaxBodyBytes:           262144,
	}
}

// newTestServer builds a Server on the in-memory store with a static
// client token and an admin token.
func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *store.Mem, http.Handler) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	mem := store.NewMem()
	srv := &Server{
		Store:     mem,
		Cfg:       cfg,
		Verifier:  &auth.Verifier{Secret: cfg.JWTSecret, StaticTokens: cfg.AuthTokens, Tokens: mem},
		Limiter:   ratelimit.NewLocal(),
		StartedAt: time.Now(),
	}
	return srv, mem, srv.Routes()
}

// submit POSTs an envelope body to /v1/outbox with the given bearer.
func submit(t *testing.T, router http.Handler, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest("POST", "/v1/outbox", &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func telemetryEnvelope(id string) map[string]any {
	return map[string]any{
		"id":      id,
		"channel": "telemetry",
		"payload": map[string]any{
			"name":      "x",
			"payload":   map[string]any{"a": 1},
			"timestamp": "2025-10-22T08:00:00Z",
		},
		"createdAt": "2025-10-22T08:00:00Z",
	}
}

func feedbackEnvelope(id string, score float64) map[string]any {
	return map[string]any{
		"id":      id,
		"channel": "feedback",
		"payload": map[string]any{
			"recordId":    "rec-1",
			"status":      "confirmed",
			"submittedAt": "2025-10-22T08:00:00Z",
			"source":      "historical",
			"channel":     "sms",
			"score":       score,
		},
		"createdAt": "2025-10-22T08:00:00Z",
	}
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response body %q: %v", rec.Body.String(), err)
	}
	return out
}
