package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"matebot/internal/core"
	applog "matebot/internal/log"
	"matebot/internal/metrics"
)

// DispatcherConfig holds configuration for the async dispatcher
type DispatcherConfig struct {
	// Workers is the number of delivery goroutines (default: 4)
	Workers int

	// QueueSize is the buffered capacity per worker (default: 256)
	QueueSize int

	// MaxRetries is the number of attempts per sink before giving up (default: 3)
	MaxRetries int

	// BaseBackoff is the wait before the first retry, doubled on each attempt (default: 200ms)
	BaseBackoff time.Duration

	// MaxBackoff caps the wait between attempts (default: 5s)
	MaxBackoff time.Duration
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     4,
		QueueSize:   256,
		MaxRetries:  3,
		BaseBackoff: 200 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

type job struct {
	sink        string
	operationID int64
	deliver     func(ctx context.Context) error
}

type namedRenderer struct {
	name string
	r    Renderer
}

type namedAnnouncer struct {
	name string
	a    Announcer
}

// Dispatcher is a Sink that queues notifications and delivers them from
// background workers, retrying failed deliveries with exponential backoff.
// Enqueueing never blocks: when a queue is full the notification is
// dropped and counted. Notifications of the same operation go to the same
// worker and are delivered in the order they were enqueued.
type Dispatcher struct {
	config     DispatcherConfig
	logger     *applog.Logger
	metrics    *metrics.Metrics
	renderers  []namedRenderer
	announcers []namedAnnouncer
	shards     []chan job
	sleep      func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	running bool
}

type Option func(*Dispatcher)

// WithRenderer registers a named renderer. Every Render call fans out to
// all registered renderers.
func WithRenderer(name string, r Renderer) Option {
	return func(d *Dispatcher) { d.renderers = append(d.renderers, namedRenderer{name: name, r: r}) }
}

// WithAnnouncer registers a named announcer.
func WithAnnouncer(name string, a Announcer) Option {
	return func(d *Dispatcher) { d.announcers = append(d.announcers, namedAnnouncer{name: name, a: a}) }
}

func WithLogger(l *applog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.WithComponent(applog.ComponentNotify) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher. Call Run to start delivering.
func NewDispatcher(config DispatcherConfig, opts ...Option) *Dispatcher {
	def := DefaultDispatcherConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BaseBackoff <= 0 {
		config.BaseBackoff = def.BaseBackoff
	}
	if config.MaxBackoff < config.BaseBackoff {
		config.MaxBackoff = config.BaseBackoff
	}

	d := &Dispatcher{
		config: config,
		logger: applog.New(applog.DefaultConfig()).WithComponent(applog.ComponentNotify),
		shards: make([]chan job, config.Workers),
		sleep:  sleepContext,
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, config.QueueSize)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Render queues the view for every registered renderer.
func (d *Dispatcher) Render(ctx context.Context, v core.View) error {
	for _, nr := range d.renderers {
		r := nr.r
		d.enqueue(ctx, job{
			sink:        nr.name,
			operationID: v.OperationID,
			deliver:     func(ctx context.Context) error { return r.Render(ctx, v) },
		})
	}
	return nil
}

// Announce queues the announcement for every registered announcer.
func (d *Dispatcher) Announce(ctx context.Context, a Announcement) error {
	for _, na := range d.announcers {
		an := na.a
		d.enqueue(ctx, job{
			sink:        na.name,
			operationID: a.OperationID,
			deliver:     func(ctx context.Context) error { return an.Announce(ctx, a) },
		})
	}
	return nil
}

func (d *Dispatcher) shardFor(operationID int64) chan job {
	i := operationID % int64(len(d.shards))
	if i < 0 {
		i = -i
	}
	return d.shards[i]
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) {
	select {
	case d.shardFor(j.operationID) <- j:
	default:
		d.metrics.IncNotifyDropped()
		d.logger.WarnContext(ctx, "Notification queue full, dropping",
			"sink", j.sink,
			applog.FieldOperationID, j.operationID)
	}
}

// Run delivers queued notifications until ctx is done. Jobs still queued
// at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is already running")
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.InfoContext(ctx, "Notification dispatcher started",
		"workers", len(d.shards),
		"renderers", len(d.renderers),
		"announcers", len(d.announcers))

	var wg sync.WaitGroup
	for _, shard := range d.shards {
		wg.Add(1)
		go func(jobs <-chan job) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-jobs:
					d.deliver(ctx, j)
				}
			}
		}(shard)
	}
	wg.Wait()
	return nil
}

// IsRunning reports whether Run is active.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	var err error
	for attempt := 0; attempt < d.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.backoff(attempt-1)); err != nil {
				return
			}
		}
		if err = j.deliver(ctx); err == nil {
			return
		}
		d.metrics.IncNotifyFailure(j.sink)
		d.logger.WarnContext(ctx, "Notification delivery failed",
			"sink", j.sink,
			applog.FieldOperationID, j.operationID,
			applog.FieldAttempt, attempt+1,
			applog.FieldError, err)
	}
	d.metrics.IncNotifyDropped()
	d.logger.ErrorContext(ctx, "Notification dropped after max retries",
		"sink", j.sink,
		applog.FieldOperationID, j.operationID,
		applog.FieldError, err)
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.config.BaseBackoff
	for i := 0; i < attempt; i++ {
		wait *= 2
		if wait >= d.config.MaxBackoff {
			return d.config.MaxBackoff
		}
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
