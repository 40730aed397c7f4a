package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestRateLimiter(now *time.Time) *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*bucket), now: func() time.Time { return *now }}
}

func TestRateLimiterAllowDeny(t *testing.T) {
	now := time.Now()
	rl := newTestRateLimiter(&now)

	for i := 0; i < 5; i++ {
		if !rl.Allow("k1", 5) {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}
	if rl.Allow("k1", 5) {
		t.Fatal("expected deny after limit reached")
	}
	if !rl.Allow("k2", 5) {
		t.Fatal("expected other key to be unaffected")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	now := time.Now()
	rl := newTestRateLimiter(&now)

	for i := 0; i < 3; i++ {
		rl.Allow("k1", 3)
	}
	if rl.Allow("k1", 3) {
		t.Fatal("expected deny after limit")
	}

	now = now.Add(time.Minute)
	if !rl.Allow("k1", 3) {
		t.Fatal("expected allow after window reset")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Now()
	rl := newTestRateLimiter(&now)

	rl.Allow("stale", 10)
	now = now.Add(5 * time.Minute)
	rl.Allow("fresh", 10)
	rl.cleanup()

	rl.mu.Lock()
	_, hasStale := rl.buckets["stale"]
	_, hasFresh := rl.buckets["fresh"]
	rl.mu.Unlock()

	if hasStale {
		t.Fatal("expected stale entry to be cleaned up")
	}
	if !hasFresh {
		t.Fatal("expected fresh entry to remain")
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("remote addr: got %q, want 10.0.0.1", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("forwarded: got %q, want 203.0.113.9", got)
	}
}

func TestWriteRateLimitLogsEvent(t *testing.T) {
	h := newTestHarness(t, func(cfg *Config) {
		cfg.RateLimitWrite = 2
	})

	for v := int64(1); v <= 2; v++ {
		resp := h.PutDoc("state", "", testDoc(v, "c1", `{"n":1}`))
		AssertStatus(t, resp, http.StatusOK)
		resp.Body.Close()
	}
	resp := h.PutDoc("state", "", testDoc(3, "c1", `{"n":1}`))
	AssertErrorResponse(t, resp, http.StatusTooManyRequests, ErrCodeRateLimited)

	// Reads are limited separately.
	resp = h.Do("GET", "/v1/docs/state", "", nil)
	AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	events, err := h.Store.RecentRateLimitEvents(10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("events: got %d, want 1", len(events))
	}
	if events[0].EndpointClass != classWrite {
		t.Fatalf("class: got %q, want %q", events[0].EndpointClass, classWrite)
	}
}
