package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenReject(t *testing.T) {
	l := NewRateLimiter(1, 2)
	require.NotNil(t, l)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("a")
	assert.True(t, ok)
	ok, _ = l.allow("a")
	assert.True(t, ok)
	ok, wait := l.allow("a")
	assert.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	// Other callers have their own bucket.
	ok, _ = l.allow("b")
	assert.True(t, ok)

	now = now.Add(1100 * time.Millisecond)
	ok, _ = l.allow("a")
	assert.True(t, ok, "a token refills after a second")
}

func TestRateLimiterSweepsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }

	l.allow("old")
	now = now.Add(2 * staleBucket)
	l.allow("new")

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.buckets, "old")
	assert.Contains(t, l.buckets, "new")
}

func TestRateLimiterMiddleware(t *testing.T) {
	handler := NewRateLimiter(0.001, 1).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(remote, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", nil)
		req.RemoteAddr = remote
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", "").Code)
	w := do("10.0.0.1:5678", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	assert.Equal(t, http.StatusOK, do("10.0.0.1:1234", "k1").Code, "API keys get their own bucket")
	assert.Equal(t, http.StatusOK, do("10.0.0.2:1234", "").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	var l *RateLimiter = NewRateLimiter(0, 0)
	assert.Nil(t, l)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := l.Middleware(next)
	assert.NotNil(t, h)
}
