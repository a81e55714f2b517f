// Prometheus metrics middleware for Gin.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// responseWriter wraps gin.ResponseWriter to capture response size.
type responseWriter struct {
	gin.ResponseWriter
	size int
}

func (w *responseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.size += n
	return n, err
}

func (w *responseWriter) WriteString(s string) (int, error) {
	n, err := w.ResponseWriter.WriteString(s)
	w.size += n
	return n, err
}

// PrometheusMiddleware returns a Gin middleware that records HTTP metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	m := Get()

	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		rw := &responseWriter{ResponseWriter: c.Writer, size: 0}
		c.Writer = rw

		c.Next()

		// Gin's FullPath() keeps parameter placeholders like :roomId,
		// which keeps label cardinality bounded.
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		m.RecordHTTPRequest(
			endpoint,
			c.Request.Method,
			c.Writer.Status(),
			time.Since(start),
			rw.size,
		)
	}
}

// PrometheusHandler returns the Prometheus scrape handler for Gin.
func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// PrometheusHandlerHTTP returns a standard HTTP handler for metrics.
// The execution worker's liveness server uses this directly.
func PrometheusHandlerHTTP() http.Handler {
	return promhttp.Handler()
}

// Collector periodically samples runtime gauges.
type Collector struct {
	metrics  *Metrics
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a collector with the given sampling interval.
func NewCollector(interval time.Duration) *Collector {
	return &Collector{
		metrics:  Get(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (mc *Collector) Start() {
	go func() {
		ticker := time.NewTicker(mc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.collect()
			case <-mc.stopCh:
				return
			}
		}
	}()
}

// Stop stops the collector.
func (mc *Collector) Stop() {
	close(mc.stopCh)
}

func (mc *Collector) collect() {
	mc.metrics.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}
