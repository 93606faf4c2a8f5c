package job

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the job registry.
// All metrics use the clawyer_jobs_ namespace.
type Metrics struct {
	JobsCreated         *prometheus.CounterVec
	JobsFinished        *prometheus.CounterVec
	ActiveJobs          prometheus.Gauge
	TransitionConflicts prometheus.Counter
}

// NewMetrics creates and registers registry metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		JobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total jobs created by worker mode.",
		}, []string{"mode"}),

		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total jobs reaching a terminal state, by state.",
		}, []string{"state"}),

		ActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clawyer",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of jobs not yet in a terminal state.",
		}),

		TransitionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clawyer",
			Subsystem: "jobs",
			Name:      "transition_conflicts_total",
			Help:      "Total illegal transition attempts rejected by the registry.",
		}),
	}

	reg.MustRegister(
		m.JobsCreated,
		m.JobsFinished,
		m.ActiveJobs,
		m.TransitionConflicts,
	)

	return m
}
