package internal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !limiter.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("10.0.0.1") {
		t.Error("4th request within window should be rejected")
	}

	// Other clients have their own bucket.
	if !limiter.Allow("10.0.0.2") {
		t.Error("different IP should not be limited")
	}
}

func TestRateLimiter_Refills(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("ip")
	limiter.Allow("ip")
	if limiter.Allow("ip") {
		t.Fatal("bucket should be empty")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow("ip") {
		t.Error("one token should have refilled after half the window")
	}
}

func TestRateLimiter_CleanupRemovesIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(5 * time.Minute)
	limiter.Allow("active")

	limiter.Cleanup()

	if _, ok := limiter.visitors["idle"]; ok {
		t.Error("idle visitor should have been removed")
	}
	if _, ok := limiter.visitors["active"]; !ok {
		t.Error("active visitor should remain")
	}
}

func TestRateLimiter_DeterministicCleanup(t *testing.T) {
	limiter := NewRateLimiter(1000, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("stale")
	now = now.Add(10 * time.Minute)
	for i := 0; i < limiter.cleanupEvery; i++ {
		limiter.Allow("busy")
	}

	if _, ok := limiter.visitors["stale"]; ok {
		t.Error("stale visitor should be removed by periodic cleanup")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
		req.RemoteAddr = "192.168.1.7:5555"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request: got %d, want 200", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request: got %d, want 429", code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "10.1.1.1:1234"
	if got := GetClientIP(req); got != "10.1.1.1" {
		t.Errorf("GetClientIP() = %q, want 10.1.1.1", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	if got := GetClientIP(req); got != "203.0.113.5" {
		t.Errorf("GetClientIP() = %q, want 203.0.113.5", got)
	}
}
