package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the orchestrator facade.
// All metrics use the clawyer_orchestrator_ namespace.
type Metrics struct {
	ProvisionFailures   prometheus.Counter
	HeartbeatInterrupts prometheus.Counter
}

// NewMetrics creates and registers orchestrator metrics on the given
// registry. Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ProvisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "orchestrator",
			Name:      "provision_failures_total",
			Help:      "Total jobs failed because their sandbox could not be provisioned.",
		}),

		HeartbeatInterrupts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "orchestrator",
			Name:      "heartbeat_interrupts_total",
			Help:      "Total jobs interrupted by the heartbeat monitor.",
		}),
	}

	reg.MustRegister(m.ProvisionFailures, m.HeartbeatInterrupts)
	return m
}
