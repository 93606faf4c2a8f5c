package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the egress proxy.
// All metrics use the clawyer_proxy_ namespace.
type Metrics struct {
	Requests             *prometheus.CounterVec
	CredentialInjections prometheus.Counter
}

// NewMetrics creates and registers proxy metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total proxy requests by decision (allowed, denied, tunnel, unauthorized).",
		}, []string{"decision"}),

		CredentialInjections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "proxy",
			Name:      "credential_injections_total",
			Help:      "Total requests that had a credential injected.",
		}),
	}

	reg.MustRegister(m.Requests, m.CredentialInjections)
	return m
}
