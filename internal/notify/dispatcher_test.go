package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matebot/internal/core"
	"matebot/internal/metrics"
)

type recordingSink struct {
	mu        sync.Mutex
	views     []core.View
	announced []Announcement
	failures  int
}

func (s *recordingSink) Render(_ context.Context, v core.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("chat unavailable")
	}
	s.views = append(s.views, v)
	return nil
}

func (s *recordingSink) Announce(_ context.Context, a Announcement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announced = append(s.announced, a)
	return nil
}

func (s *recordingSink) viewTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.views))
	for i, v := range s.views {
		out[i] = v.Text
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func startDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_DeliversInOrderPerOperation(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(DispatcherConfig{Workers: 3, QueueSize: 64}, WithRenderer("test", sink))
	startDispatcher(t, d)

	want := []string{"v1", "v2", "v3", "v4"}
	for _, text := range want {
		require.NoError(t, d.Render(context.Background(), core.View{OperationID: 7, Text: text}))
	}

	assert.Eventually(t, func() bool { return len(sink.viewTexts()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink.viewTexts())
}

func TestDispatcher_FansOutToAllSinks(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(DefaultDispatcherConfig(),
		WithRenderer("a", a), WithRenderer("b", b),
		WithAnnouncer("a", a))
	startDispatcher(t, d)

	require.NoError(t, d.Render(context.Background(), core.View{OperationID: 1, Text: "x"}))
	require.NoError(t, d.Announce(context.Background(), Announcement{OperationID: 1}))

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.views) == 1 && len(a.announced) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(b.viewTexts()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_RetriesFailedDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &recordingSink{failures: 2}
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxRetries: 3}, WithRenderer("chat", sink), WithMetrics(m))
	d.sleep = noSleep
	startDispatcher(t, d)

	require.NoError(t, d.Render(context.Background(), core.View{OperationID: 1, Text: "eventually"}))

	assert.Eventually(t, func() bool { return len(sink.viewTexts()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NotifyFailures.WithLabelValues("chat")))
	assert.Zero(t, testutil.ToFloat64(m.NotifyDropped))
}

func TestDispatcher_GivesUpAfterMaxRetries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &recordingSink{failures: 10}
	d := NewDispatcher(DispatcherConfig{Workers: 1, MaxRetries: 2}, WithRenderer("chat", sink), WithMetrics(m))
	d.sleep = noSleep
	startDispatcher(t, d)

	require.NoError(t, d.Render(context.Background(), core.View{OperationID: 1}))

	assert.Eventually(t, func() bool { return testutil.ToFloat64(m.NotifyDropped) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.viewTexts())
}

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	d := NewDispatcher(DispatcherConfig{Workers: 1, QueueSize: 1}, WithRenderer("chat", &recordingSink{}), WithMetrics(m))

	// Not running, so the second render finds the queue full.
	require.NoError(t, d.Render(context.Background(), core.View{OperationID: 1}))
	require.NoError(t, d.Render(context.Background(), core.View{OperationID: 1}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotifyDropped))
}

func TestDispatcher_RunTwice(t *testing.T) {
	d := NewDispatcher(DefaultDispatcherConfig())
	startDispatcher(t, d)
	require.Eventually(t, d.IsRunning, time.Second, time.Millisecond)

	err := d.Run(context.Background())
	assert.Error(t, err)
}

func TestDispatcher_Backoff(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second})
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, d.backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}
