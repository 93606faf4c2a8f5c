package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for sandbox supervision.
// All metrics use the clawyer_sandbox_ namespace.
type Metrics struct {
	Provisions      *prometheus.CounterVec
	ActiveSandboxes prometheus.Gauge
	UnexpectedExits prometheus.Counter
}

// NewMetrics creates and registers supervisor metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "sandbox",
			Name:      "provisions_total",
			Help:      "Total sandbox provision attempts by outcome (ok, error).",
		}, []string{"outcome"}),

		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawyer",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Number of live sandboxes.",
		}),

		UnexpectedExits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "sandbox",
			Name:      "unexpected_exits_total",
			Help:      "Total sandboxes that exited without a teardown request.",
		}),
	}

	reg.MustRegister(m.Provisions, m.ActiveSandboxes, m.UnexpectedExits)
	return m
}
