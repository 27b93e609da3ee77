package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestRateLimiter_PerClient(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)
	defer rl.Close()
	h := rl.Middleware(okHandler())

	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1234"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:5678"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:9999"), "burst exhausted for the same IP")
	assert.Equal(t, http.StatusOK, hit("10.0.0.2:1234"), "other clients are unaffected")
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	defer rl.Close()
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	rl.clock = func() time.Time { return now }

	rl.limiterFor("10.0.0.1")
	now = now.Add(visitorTTL + time.Second)
	rl.limiterFor("10.0.0.2")
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.visitors, "10.0.0.1")
	assert.Contains(t, rl.visitors, "10.0.0.2")
}

func TestTooManyRequests_RetryAfter(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, nil, 30)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRequestID_ReusesCallerID(t *testing.T) {
	h := RequestID(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", clientIP(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", clientIP(req))
}
