package routine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the routine scheduler.
// All metrics use the clawyer_routines_ namespace.
type Metrics struct {
	Fires              *prometheus.CounterVec
	CooldownSuppressed prometheus.Counter
}

// NewMetrics creates and registers scheduler metrics on the given
// registry. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "routines",
			Name:      "fires_total",
			Help:      "Total routine fires by trigger (cron, message, webhook, manual).",
		}, []string{"trigger"}),

		CooldownSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "routines",
			Name:      "cooldown_suppressed_total",
			Help:      "Total fires suppressed by the cooldown window.",
		}),
	}

	reg.MustRegister(m.Fires, m.CooldownSuppressed)
	return m
}
