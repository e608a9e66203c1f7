package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters, gauges, and histograms for the
// segmentation server.
type Metrics struct {
	registry                   *prometheus.Registry
	requestsTotal              prometheus.Counter
	errorsTotal                prometheus.Counter
	sessionsStartedTotal       prometheus.Counter
	sessionsClosedTotal        prometheus.Counter
	sessionsExpiredTotal       prometheus.Counter
	activeSessions             prometheus.Gauge
	chunksEmittedTotal         prometheus.Counter
	propagationsCancelledTotal prometheus.Counter
	trackerFailuresTotal       prometheus.Counter
	trackerLockWaitSeconds     prometheus.Histogram
}

// New creates and registers Prometheus metrics for the server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	sessionsStartedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_sessions_started_total",
		Help: "Total number of sessions started",
	})
	sessionsClosedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_sessions_closed_total",
		Help: "Total number of sessions closed explicitly by clients",
	})
	sessionsExpiredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_sessions_expired_total",
		Help: "Total number of sessions reaped after TTL expiry",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "savi_active_sessions",
		Help: "Number of live (non-expired) sessions",
	})
	chunksEmittedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_propagation_chunks_total",
		Help: "Total number of propagation chunks flushed to clients",
	})
	propagationsCancelledTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_propagations_cancelled_total",
		Help: "Total number of propagation cancellation requests",
	})
	trackerFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "savi_tracker_failures_total",
		Help: "Total number of tracker calls that failed or exceeded their deadline",
	})
	trackerLockWaitSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "savi_tracker_lock_wait_seconds",
		Help:    "Time spent waiting for the global tracker lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		sessionsStartedTotal,
		sessionsClosedTotal,
		sessionsExpiredTotal,
		activeSessions,
		chunksEmittedTotal,
		propagationsCancelledTotal,
		trackerFailuresTotal,
		trackerLockWaitSeconds,
	)

	return &Metrics{
		registry:                   registry,
		requestsTotal:              requestsTotal,
		errorsTotal:                errorsTotal,
		sessionsStartedTotal:       sessionsStartedTotal,
		sessionsClosedTotal:        sessionsClosedTotal,
		sessionsExpiredTotal:       sessionsExpiredTotal,
		activeSessions:             activeSessions,
		chunksEmittedTotal:         chunksEmittedTotal,
		propagationsCancelledTotal: propagationsCancelledTotal,
		trackerFailuresTotal:       trackerFailuresTotal,
		trackerLockWaitSeconds:     trackerLockWaitSeconds,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStartedTotal.Inc()
}

// IncSessionsClosed increments the sessions closed counter.
func (m *Metrics) IncSessionsClosed() {
	m.sessionsClosedTotal.Inc()
}

// IncSessionsExpired increments the sessions expired counter.
func (m *Metrics) IncSessionsExpired() {
	m.sessionsExpiredTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// IncChunksEmitted increments the propagation chunks counter.
func (m *Metrics) IncChunksEmitted() {
	m.chunksEmittedTotal.Inc()
}

// IncPropagationsCancelled increments the cancellation counter.
func (m *Metrics) IncPropagationsCancelled() {
	m.propagationsCancelledTotal.Inc()
}

// IncTrackerFailures increments the tracker failure counter.
func (m *Metrics) IncTrackerFailures() {
	m.trackerFailuresTotal.Inc()
}

// ObserveTrackerLockWait records how long one caller waited for the global
// tracker lock.
func (m *Metrics) ObserveTrackerLockWait(d time.Duration) {
	m.trackerLockWaitSeconds.Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g.
// active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
