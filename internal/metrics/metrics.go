// Package metrics provides Prometheus metrics for CODEHIVE monitoring.
// Exports HTTP, code execution, job queue, WebSocket, and database metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for CODEHIVE.
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Code Execution Metrics
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ExecutionsInFlight prometheus.Gauge

	// Job Queue Metrics
	QueueDepth        *prometheus.GaugeVec
	JobsEnqueuedTotal prometheus.Counter
	JobsRetriedTotal  prometheus.Counter
	JobsReapedTotal   prometheus.Counter
	JobWaitDuration   prometheus.Histogram

	// WebSocket Metrics
	WebSocketConnectionsGauge prometheus.Gauge
	WebSocketMessagesTotal    *prometheus.CounterVec
	WebSocketMessageSize      *prometheus.HistogramVec

	// Room Metrics
	ActiveRoomsGauge prometheus.Gauge
	TotalUsersGauge  prometheus.Gauge
	SignupsTotal     prometheus.Counter

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBErrorsTotal       *prometheus.CounterVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics.
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	// Code Execution Metrics
	m.ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "execution",
			Name:      "total",
			Help:      "Total number of code executions by language and status",
		},
		[]string{"language", "status"},
	)

	m.ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Code execution duration in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"language"},
	)

	m.ExecutionsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "execution",
			Name:      "in_flight",
			Help:      "Number of code executions currently running",
		},
	)

	// Job Queue Metrics
	m.QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs per queue state",
		},
		[]string{"state"},
	)

	m.JobsEnqueuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of jobs enqueued",
		},
	)

	m.JobsRetriedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "queue",
			Name:      "retried_total",
			Help:      "Total number of job retry attempts",
		},
	)

	m.JobsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "queue",
			Name:      "reaped_total",
			Help:      "Total number of jobs reclaimed from expired leases",
		},
	)

	m.JobWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "queue",
			Name:      "wait_duration_seconds",
			Help:      "Time jobs spent waiting before being picked up",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// WebSocket Metrics
	m.WebSocketConnectionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Current number of WebSocket connections",
		},
	)

	m.WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Total number of WebSocket messages by event and direction",
		},
		[]string{"event", "direction"},
	)

	m.WebSocketMessageSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "WebSocket message size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 10),
		},
		[]string{"event"},
	)

	// Room Metrics
	m.ActiveRoomsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "rooms",
			Name:      "active",
			Help:      "Number of rooms with at least one connected user",
		},
	)

	m.TotalUsersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "rooms",
			Name:      "total_users",
			Help:      "Total number of registered users",
		},
	)

	m.SignupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "rooms",
			Name:      "signups_total",
			Help:      "Total number of new user signups",
		},
	)

	// Database Metrics
	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "database",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "database",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codehive",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	m.DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codehive",
			Subsystem: "database",
			Name:      "errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "server",
			Name:      "startup_timestamp",
			Help:      "Server startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codehive",
			Subsystem: "server",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordExecution records a finished code execution.
func (m *Metrics) RecordExecution(language, status string, duration time.Duration) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(duration.Seconds())
}

// SetQueueDepth sets the gauge for one queue state.
func (m *Metrics) SetQueueDepth(state string, depth int64) {
	m.QueueDepth.WithLabelValues(state).Set(float64(depth))
}

// RecordJobEnqueued records a job entering the queue.
func (m *Metrics) RecordJobEnqueued() {
	m.JobsEnqueuedTotal.Inc()
}

// RecordJobRetried records a retry of a failed job.
func (m *Metrics) RecordJobRetried() {
	m.JobsRetriedTotal.Inc()
}

// RecordJobReaped records a job reclaimed from a dead worker.
func (m *Metrics) RecordJobReaped() {
	m.JobsReapedTotal.Inc()
}

// RecordJobWait records how long a job waited before pickup.
func (m *Metrics) RecordJobWait(wait time.Duration) {
	m.JobWaitDuration.Observe(wait.Seconds())
}

// RecordWebSocketConnection records a WebSocket connection change.
func (m *Metrics) RecordWebSocketConnection(delta int) {
	m.WebSocketConnectionsGauge.Add(float64(delta))
}

// RecordWebSocketMessage records a WebSocket message.
func (m *Metrics) RecordWebSocketMessage(event, direction string, size int) {
	m.WebSocketMessagesTotal.WithLabelValues(event, direction).Inc()
	m.WebSocketMessageSize.WithLabelValues(event).Observe(float64(size))
}

// RecordDBQuery records a database query.
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(operation, "query_error").Inc()
	}
}

// SetBuildInfo sets build information.
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// UpdateActiveRooms updates the active rooms gauge.
func (m *Metrics) UpdateActiveRooms(count int) {
	m.ActiveRoomsGauge.Set(float64(count))
}

// UpdateTotalUsers updates the total users gauge.
func (m *Metrics) UpdateTotalUsers(count int) {
	m.TotalUsersGauge.Set(float64(count))
}

// RecordSignup records a new user signup.
func (m *Metrics) RecordSignup() {
	m.SignupsTotal.Inc()
}

// statusCodeToLabel converts a status code to its class label.
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
