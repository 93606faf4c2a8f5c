package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics instruments the operator API and the egress proxy
// listener. Domain metrics (jobs, events, sandboxes, routines) live in
// their own packages and register on the same registry.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
}

// NewHTTPMetrics registers the HTTP metrics on reg. Returns nil when
// reg is nil.
func NewHTTPMetrics(reg *prometheus.Registry) *HTTPMetrics {
	if reg == nil {
		return nil
	}
	m := &HTTPMetrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clawyer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawyer",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.ActiveRequests)
	return m
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
