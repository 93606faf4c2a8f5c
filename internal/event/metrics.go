package event

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the event pipeline.
// All metrics use the clawyer_events_ namespace.
type Metrics struct {
	Ingested      *prometheus.CounterVec
	FanoutDropped prometheus.Counter
	Subscribers   prometheus.Gauge
}

// NewMetrics creates and registers pipeline metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "events",
			Name:      "ingested_total",
			Help:      "Total events ingested by type.",
		}, []string{"type"}),

		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "events",
			Name:      "fanout_dropped_total",
			Help:      "Total live events dropped on full subscriber channels.",
		}),

		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawyer",
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Number of live event subscribers.",
		}),
	}

	reg.MustRegister(m.Ingested, m.FanoutDropped, m.Subscribers)
	return m
}
