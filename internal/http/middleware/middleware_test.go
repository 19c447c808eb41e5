package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wolfman30/slot-offer-engine/pkg/logging"
)

func TestRequestLoggerPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("info", &buf)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := serve(RequestLogger(logger), req, func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromContext(r.Context()); got != "req-1" {
			t.Errorf("expected request id in context, got %q", got)
		}
		w.WriteHeader(http.StatusAccepted)
	})
	if rec.Header().Get("X-Request-ID") != "req-1" {
		t.Fatalf("expected request id echoed")
	}
	out := buf.String()
	if !strings.Contains(out, "request completed") || !strings.Contains(out, "202") {
		t.Fatalf("expected status in log line, got %s", out)
	}
}

func TestRequestLoggerWarnsOnClientErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWithWriter("warn", &buf)
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations/x", nil)
	serve(RequestLogger(logger), req, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing", http.StatusNotFound)
	})
	if out := buf.String(); !strings.Contains(out, "404") || !strings.Contains(out, "WARN") {
		t.Fatalf("expected a warn line for the 404, got %s", out)
	}
}

func TestRequestLoggerGeneratesRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := serve(RequestLogger(logging.Discard()), req, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatalf("burst should be allowed")
	}
	if rl.Allow("a") {
		t.Fatalf("third request in the same instant should be throttled")
	}
	if !rl.Allow("b") {
		t.Fatalf("other clients have their own bucket")
	}
	now = now.Add(time.Second)
	if !rl.Allow("a") {
		t.Fatalf("bucket should refill")
	}

	now = now.Add(time.Hour)
	rl.Allow("c")
	if _, ok := rl.clients["a"]; ok {
		t.Fatalf("idle clients should be evicted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	mw := RateLimit(0.001, 1)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx", nil)
	req.Header.Set("X-Real-Ip", "10.0.0.1")
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	if rec := serve(mw, req, ok); rec.Code != http.StatusOK {
		t.Fatalf("first request should pass, got %d", rec.Code)
	}
	rec := serve(mw, req, ok)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}
}
