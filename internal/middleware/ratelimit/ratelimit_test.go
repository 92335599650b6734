package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, config Config) (*Limiter, *time.Time) {
	t.Helper()
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	rl := NewLimiter(config)
	t.Cleanup(rl.Stop)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestLimiter_Allow(t *testing.T) {
	var rejectedKeys []string
	rl, now := newTestLimiter(t, Config{
		RequestsPerMinute: 3,
		OnReject:          func(key string) { rejectedKeys = append(rejectedKeys, key) },
	})

	for i := 0; i < 3; i++ {
		d := rl.Allow("a")
		require.True(t, d.Allowed, "request %d", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d := rl.Allow("a")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.True(t, rl.Allow("b").Allowed, "other keys have their own budget")
	assert.Equal(t, int64(1), rl.Rejected())
	assert.Equal(t, []string{"a"}, rejectedKeys)

	*now = now.Add(30 * time.Second)
	d = rl.Allow("a")
	assert.False(t, d.Allowed, "steady traffic must not extend the window")
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	*now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("a").Allowed, "a new window allows requests again")
}

func TestLimiter_Cleanup(t *testing.T) {
	rl, now := newTestLimiter(t, Config{RequestsPerMinute: 3})
	rl.Allow("a")
	rl.Allow("b")

	*now = now.Add(11 * time.Minute)
	rl.Allow("c")

	assert.Equal(t, 2, rl.cleanupStaleEntries())
	assert.Equal(t, 1, rl.ActiveClients())
}

func TestLimiter_Middleware(t *testing.T) {
	rl, now := newTestLimiter(t, Config{RequestsPerMinute: 1})
	handler := rl.Middleware(func(r *http.Request) string { return r.Header.Get("X-Key") }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Key", "k")

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	*now = now.Add(20500 * time.Millisecond)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"), "rounded up to whole seconds")
}

func TestLimiter_Defaults(t *testing.T) {
	rl := NewLimiter(Config{})
	rl.Stop()
	rl.Stop()
	assert.Equal(t, 60, rl.limit)
	assert.Equal(t, 5*time.Minute, rl.cleanupInterval)
}
