package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for collective operations, the ledger and
// notification delivery. A nil *Metrics is valid and records nothing.
type Metrics struct {
	OperationsCreated   *prometheus.CounterVec
	OperationsClosed    *prometheus.CounterVec
	LedgerTransfers     prometheus.Counter
	LedgerCents         prometheus.Counter
	NotifyFailures      *prometheus.CounterVec
	NotifyDropped       prometheus.Counter
	FinalizeDuration    prometheus.Histogram
	LockWaitDuration    prometheus.Histogram
	AnnouncementsSynced prometheus.Counter
	RequestsRejected    prometheus.Counter
	HTTPDuration        *prometheus.HistogramVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matebot_operations_created_total",
			Help: "Total number of collective operations created",
		}, []string{"kind"}),
		OperationsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matebot_operations_closed_total",
			Help: "Total number of collective operations closed, by outcome",
		}, []string{"kind", "outcome"}),
		LedgerTransfers: f.NewCounter(prometheus.CounterOpts{
			Name: "matebot_ledger_transfers_total",
			Help: "Total number of ledger transactions recorded",
		}),
		LedgerCents: f.NewCounter(prometheus.CounterOpts{
			Name: "matebot_ledger_cents_total",
			Help: "Total amount moved through the ledger, in cents",
		}),
		NotifyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "matebot_notify_failures_total",
			Help: "Notification delivery attempts that failed",
		}, []string{"sink"}),
		NotifyDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "matebot_notify_dropped_total",
			Help: "Notifications dropped because the queue was full or retries ran out",
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "matebot_finalize_duration_seconds",
			Help:    "Duration of finalize calls including the ledger batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		LockWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "matebot_operation_lock_wait_seconds",
			Help:    "Time spent waiting for the per-operation lock",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		AnnouncementsSynced: f.NewCounter(prometheus.CounterOpts{
			Name: "matebot_announcements_synced_total",
			Help: "Announcements mirrored by the worker",
		}),
		RequestsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "matebot_http_rate_limited_total",
			Help: "API requests refused by the rate limiter",
		}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matebot_http_request_duration_seconds",
			Help:    "API request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncOperationCreated(kind string) {
	if m == nil {
		return
	}
	m.OperationsCreated.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncOperationClosed(kind, outcome string) {
	if m == nil {
		return
	}
	m.OperationsClosed.WithLabelValues(kind, outcome).Inc()
}

// AddTransfers records a committed ledger batch.
func (m *Metrics) AddTransfers(count int, cents int64) {
	if m == nil {
		return
	}
	m.LedgerTransfers.Add(float64(count))
	m.LedgerCents.Add(float64(cents))
}

func (m *Metrics) IncNotifyFailure(sink string) {
	if m == nil {
		return
	}
	m.NotifyFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncNotifyDropped() {
	if m == nil {
		return
	}
	m.NotifyDropped.Inc()
}

// ObserveFinalize records the duration of a finalize call.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveFinalize(start time.Time) {
	if m == nil {
		return
	}
	m.FinalizeDuration.Observe(time.Since(start).Seconds())
}

// ObserveLockWait records how long a caller waited for an operation lock.
func (m *Metrics) ObserveLockWait(start time.Time) {
	if m == nil {
		return
	}
	m.LockWaitDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncAnnouncementSynced() {
	if m == nil {
		return
	}
	m.AnnouncementsSynced.Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RequestsRejected.Inc()
}

// ObserveHTTP satisfies the request observer of the trace middleware.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
