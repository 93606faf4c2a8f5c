// Package httpapi implements the operator HTTP API and the internal
// worker callback API.
//
// Security:
//   - API key authentication on /v1 (constant-time comparison)
//   - Job-scoped worker tokens on /internal (issued at provision time)
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/lawyered0/cLawyer-sub000/internal/gateway"
	"github.com/lawyered0/cLawyer-sub000/internal/observability"
	"github.com/lawyered0/cLawyer-sub000/internal/orchestrator"
	"github.com/lawyered0/cLawyer-sub000/internal/ratelimit"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8377"
	EnableDocs     bool
	APIKeys        []string // Operator bearer keys for /v1.
	MaxRequestSize int64    // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry         // Custom Prometheus registry for /metrics.
	MetricsPath     string                       // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker // Health checker for /readyz.
	Metrics         *observability.HTTPMetrics   // Metrics for the HTTP middleware.
	Tracer          trace.Tracer                 // OTel tracer for the HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	orch    *orchestrator.Orchestrator
	sched   *routine.Scheduler
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the event WebSocket).
	extraRoutes []extraRoute
	okapi       *okapi.Okapi
}

var _ gateway.Gateway = (*Gateway)(nil)

type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, orch *orchestrator.Orchestrator, sched *routine.Scheduler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		orch:    orch,
		sched:   sched,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the per-job event WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// CheckAPIKey reports whether key matches a configured operator key,
// in constant time. Shared with the WebSocket endpoint.
func (g *Gateway) CheckAPIKey(key string) bool {
	ok := false
	for _, k := range g.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			ok = true
		}
	}
	return ok
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated operator group.
	v1 := g.okapi.Group("/v1", g.authenticate)

	v1.Post("/jobs", g.handleJobCreate,
		okapi.DocSummary("Create a job"),
		okapi.DocTags("Jobs"),
		okapi.DocRequestBody(JobRequest{}),
		okapi.DocResponse(http.StatusCreated, JobResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	v1.Get("/jobs", g.handleJobList,
		okapi.DocSummary("List jobs, newest first"),
		okapi.DocTags("Jobs"),
		okapi.DocResponse([]JobResponse{}),
	)
	v1.Get("/jobs/summary", g.handleJobSummary,
		okapi.DocSummary("Count jobs by state, with the derived stuck count"),
		okapi.DocTags("Jobs"),
		okapi.DocResponse(SummaryResponse{}),
	)
	v1.Get("/jobs/{id}", g.handleJobGet,
		okapi.DocSummary("Get a job by ID"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(JobResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/jobs/{id}/cancel", g.handleJobCancel,
		okapi.DocSummary("Cancel a job (idempotent)"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocRequestBody(CancelRequest{}),
		okapi.DocResponse(JobResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/jobs/{id}/restart", g.handleJobRestart,
		okapi.DocSummary("Clone a failed or interrupted job into a fresh run"),
		okapi.DocTags("Jobs"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(http.StatusCreated, JobResponse{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	v1.Get("/jobs/{id}/events", g.handleJobEvents,
		okapi.DocSummary("Read a job's event stream"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse([]EventResponse{}),
	)
	v1.Get("/jobs/{id}/events/stream", g.handleJobEventStream,
		okapi.DocSummary("Follow a job's events via SSE: backfill, then live until the result"),
		okapi.DocTags("Events"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
	)

	v1.Post("/routines", g.handleRoutineCreate,
		okapi.DocSummary("Create a routine"),
		okapi.DocTags("Routines"),
		okapi.DocRequestBody(RoutineRequest{}),
		okapi.DocResponse(http.StatusCreated, RoutineResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	v1.Get("/routines", g.handleRoutineList,
		okapi.DocSummary("List routines"),
		okapi.DocTags("Routines"),
		okapi.DocResponse([]RoutineResponse{}),
	)
	v1.Get("/routines/{id}", g.handleRoutineGet,
		okapi.DocSummary("Get a routine by ID"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocResponse(RoutineResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/routines/{id}/toggle", g.handleRoutineToggle,
		okapi.DocSummary("Enable or disable a routine"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocRequestBody(ToggleRequest{}),
		okapi.DocResponse(RoutineResponse{}),
	)
	v1.Delete("/routines/{id}", g.handleRoutineDelete,
		okapi.DocSummary("Delete a routine"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/routines/{id}/trigger", g.handleRoutineTrigger,
		okapi.DocSummary("Fire a routine manually (bypasses enabled, not cooldown)"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, JobResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Post("/routines/{id}/webhook", g.handleRoutineWebhook,
		okapi.DocSummary("Fire a webhook routine"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocResponse(http.StatusAccepted, JobResponse{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/routines/{id}/runs", g.handleRoutineRuns,
		okapi.DocSummary("Recent runs of a routine"),
		okapi.DocTags("Routines"),
		okapi.DocPathParam("id", "string", "Routine ID (UUID)"),
		okapi.DocResponse([]RunResponse{}),
	)
	v1.Post("/messages", g.handleMessage,
		okapi.DocSummary("Deliver an inbound message to message-triggered routines"),
		okapi.DocTags("Routines"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(MessageResponse{}),
	)

	// Internal worker callback group, authenticated per job.
	internal := g.okapi.Group("/internal/jobs/{id}", g.authenticateWorker)
	internal.Get("/spec", g.handleWorkerSpec,
		okapi.DocSummary("Fetch the job spec (worker token)"),
		okapi.DocTags("Internal"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(SpecResponseBody{}),
	)
	internal.Post("/events", g.handleWorkerEvent,
		okapi.DocSummary("Emit a worker event (worker token)"),
		okapi.DocTags("Internal"),
		okapi.DocPathParam("id", "string", "Job ID (UUID)"),
		okapi.DocResponse(EmitResponseBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	// Extra handlers (e.g., the event WebSocket).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "cLawyer",
			Version: "v0.1.0",
		})
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE streams stay open.
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate validates the operator API key.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")
		if !g.CheckAPIKey(apiKey) {
			return c.AbortUnauthorized("invalid API key")
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(apiKey); err != nil {
				return c.AbortTooManyRequests("rate limit exceeded")
			}
		}
		c.Set("apiKey", apiKey)
		return next(c)
	}
}

// authenticateWorker validates the job-scoped worker token issued at
// provision time.
func (g *Gateway) authenticateWorker(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		jobID, err := pathJobID(c)
		if err != nil {
			return c.AbortBadRequest("invalid job ID")
		}
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if !g.orch.Authenticate(jobID, token) {
			return c.AbortUnauthorized("invalid worker token")
		}
		return next(c)
	}
}
