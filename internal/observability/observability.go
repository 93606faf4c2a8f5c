// Package observability provides Prometheus metrics, OpenTelemetry
// tracing, and health checks for cLawyer. All components are optional
// and nil-safe — when disabled, callers pass nil registries and the
// per-package metrics become no-ops.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lawyered0/cLawyer-sub000/internal/config"
)

// Observability is the top-level facade holding all observability
// components. Any field may be nil when that feature is disabled.
type Observability struct {
	// Registry is the shared registry every package's metrics register
	// on. Nil when metrics are disabled.
	Registry *prometheus.Registry
	Metrics  *HTTPMetrics
	Tracer   *TracerSetup
	Health   *HealthChecker
}

// New creates an Observability instance from config.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	obs := &Observability{Health: NewHealthChecker(logger)}
	if cfg == nil {
		return obs, nil
	}

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		obs.Registry = prometheus.NewRegistry()
		obs.Metrics = NewHTTPMetrics(obs.Registry)
	}

	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		obs.Tracer = ts
	}

	return obs, nil
}

// Reg returns the shared metrics registry, nil when metrics are
// disabled. Per-package metric constructors accept nil and return
// no-op collectors.
func (o *Observability) Reg() *prometheus.Registry {
	if o == nil {
		return nil
	}
	return o.Registry
}

// Shutdown releases observability resources.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if o.Tracer != nil {
		_ = o.Tracer.Shutdown(ctx)
	}
}
