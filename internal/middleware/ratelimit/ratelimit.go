// Package ratelimit throttles requests per key with a fixed one-minute
// window.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	window   = time.Minute
	staleTTL = 10 * time.Minute
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Config holds rate limiter configuration
type Config struct {
	RequestsPerMinute int
	CleanupInterval   time.Duration

	// OnReject is called with the key of every refused request.
	OnReject func(key string)
}

func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		CleanupInterval:   5 * time.Minute,
	}
}

type bucket struct {
	windowStart time.Time
	lastSeen    time.Time
	count       int
}

type Limiter struct {
	limit    int
	onReject func(string)
	now      func() time.Time
	rejected atomic.Int64

	mu      sync.Mutex
	buckets map[string]*bucket

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewLimiter creates a limiter and starts its cleanup loop. Call Stop to
// end it.
func NewLimiter(config Config) *Limiter {
	def := DefaultConfig()
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = def.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}

	rl := &Limiter{
		limit:           config.RequestsPerMinute,
		onReject:        config.OnReject,
		now:             time.Now,
		buckets:         make(map[string]*bucket),
		cleanupInterval: config.CleanupInterval,
		stop:            make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow counts a request for key. A key's window starts with its first
// request; later requests never extend it.
func (rl *Limiter) Allow(key string) Decision {
	rl.mu.Lock()
	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		b = &bucket{windowStart: now}
		rl.buckets[key] = b
	}
	b.count++
	b.lastSeen = now
	d := Decision{
		Allowed:   b.count <= rl.limit,
		Limit:     rl.limit,
		Remaining: max(rl.limit-b.count, 0),
	}
	if !d.Allowed {
		d.RetryAfter = b.windowStart.Add(window).Sub(now)
	}
	rl.mu.Unlock()

	if !d.Allowed {
		rl.rejected.Add(1)
		if rl.onReject != nil {
			rl.onReject(key)
		}
	}
	return d
}

func (rl *Limiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanupStaleEntries()
		case <-rl.stop:
			return
		}
	}
}

// cleanupStaleEntries forgets keys idle for longer than staleTTL.
func (rl *Limiter) cleanupStaleEntries() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-staleTTL)
	removed := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// ActiveClients returns the number of tracked keys.
func (rl *Limiter) ActiveClients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Rejected returns how many requests were refused so far.
func (rl *Limiter) Rejected() int64 {
	return rl.rejected.Load()
}

func (rl *Limiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware limits requests per key as returned by keyFn (usually the
// client IP). onLimit may be nil for a plain 429.
func (rl *Limiter) Middleware(keyFn func(*http.Request) string, onLimit func(http.ResponseWriter, *http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := rl.Allow(keyFn(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				if onLimit != nil {
					onLimit(w, r)
				} else {
					http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				}
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
