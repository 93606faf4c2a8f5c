// Package orchestrator ties the job registry, the event pipeline, and
// the sandbox supervisor into the control-plane facade the gateway
// exposes. It owns the derived transitions: first worker status moves
// a job to in_progress, the result event resolves it, provisioning
// failures fail it, and silent or dead sandboxes interrupt it.
package orchestrator

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/protocol"
	"github.com/lawyered0/cLawyer-sub000/internal/supervisor"
)

// Sandboxes is the supervisor surface the orchestrator drives.
type Sandboxes interface {
	Provision(ctx context.Context, j *job.Job) (*supervisor.Grant, error)
	Teardown(ctx context.Context, jobID uuid.UUID)
	Active(jobID uuid.UUID) bool
}

var _ Sandboxes = (*supervisor.Supervisor)(nil)

// ErrUnauthorized is returned for worker calls with a bad job token.
var ErrUnauthorized = errors.New("invalid worker token")

// Config tunes orchestrator behavior.
type Config struct {
	// StuckWindow backs the derived stuck label in summaries.
	StuckWindow time.Duration
	// HeartbeatTimeout interrupts in_progress jobs silent for longer.
	// Zero disables the monitor.
	HeartbeatTimeout time.Duration
	// BrowseURLPattern formats the sandbox file-tree link; %s is the
	// job id. Empty disables browse URLs.
	BrowseURLPattern string
}

func (c Config) withDefaults() Config {
	if c.StuckWindow <= 0 {
		c.StuckWindow = 2 * time.Minute
	}
	return c
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	registry  *job.Registry
	pipeline  *event.Pipeline
	sandboxes Sandboxes
	metrics   *Metrics
	logger    *slog.Logger

	mu           sync.Mutex
	workerTokens map[uuid.UUID]string
}

func New(cfg Config, registry *job.Registry, pipeline *event.Pipeline, sandboxes Sandboxes, metrics *Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		cfg:          cfg.withDefaults(),
		registry:     registry,
		pipeline:     pipeline,
		sandboxes:    sandboxes,
		metrics:      metrics,
		logger:       logger,
		workerTokens: make(map[uuid.UUID]string),
	}
}

// Create validates and registers the job, then provisions its sandbox
// asynchronously. The returned job is pending; callers observe
// progress through events and state.
func (o *Orchestrator) Create(ctx context.Context, spec job.Spec) (*job.Job, error) {
	j, err := o.registry.Create(ctx, spec)
	if err != nil {
		return nil, err
	}
	go o.provision(j)
	return j, nil
}

func (o *Orchestrator) provision(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	grant, err := o.sandboxes.Provision(ctx, j)
	if err != nil {
		o.logger.Error("sandbox provisioning failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		if o.metrics != nil {
			o.metrics.ProvisionFailures.Inc()
		}
		if _, rerr := o.registry.Resolve(ctx, j.ID, job.Result{
			Success: false,
			Message: fmt.Sprintf("sandbox provisioning failed: %v", err),
		}); rerr != nil {
			o.logger.Error("failing unprovisionable job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		return
	}

	o.mu.Lock()
	o.workerTokens[j.ID] = grant.WorkerToken
	o.mu.Unlock()

	if o.cfg.BrowseURLPattern != "" {
		o.registry.SetBrowseURL(ctx, j.ID, fmt.Sprintf(o.cfg.BrowseURLPattern, j.ID))
	}
}

// Authenticate verifies a worker's job-scoped bearer token in constant
// time.
func (o *Orchestrator) Authenticate(jobID uuid.UUID, token string) bool {
	o.mu.Lock()
	want, ok := o.workerTokens[jobID]
	o.mu.Unlock()
	if !ok || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(token)) == 1
}

// Spec returns the job's spec for the worker bootstrap call.
func (o *Orchestrator) Spec(jobID uuid.UUID) (*job.Job, error) {
	return o.registry.Get(jobID)
}

// Get returns a job snapshot.
func (o *Orchestrator) Get(jobID uuid.UUID) (*job.Job, error) {
	return o.registry.Get(jobID)
}

// List returns job snapshots matching the filter.
func (o *Orchestrator) List(filter job.Filter) []job.Job {
	return o.registry.List(filter)
}

// Summary returns by-state counts with the derived stuck label.
func (o *Orchestrator) Summary() job.Summary {
	return o.registry.Summary(o.cfg.StuckWindow)
}

// StuckWindow reports the silence window behind the derived stuck label.
func (o *Orchestrator) StuckWindow() time.Duration {
	return o.cfg.StuckWindow
}

// HandleWorkerEvent ingests one event from the job's worker and applies
// the derived transitions. The first status event starts the job; the
// result event resolves it and tears the sandbox down.
func (o *Orchestrator) HandleWorkerEvent(ctx context.Context, jobID uuid.UUID, req protocol.EmitRequest) (*event.Event, error) {
	j, err := o.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("job %s: %w", jobID, event.ErrStreamClosed)
	}

	e, err := o.pipeline.Ingest(ctx, jobID, req.Type, req.Payload)
	if err != nil {
		return nil, err
	}
	o.registry.Touch(jobID, e.Timestamp)

	switch req.Type {
	case event.TypeStatus:
		if j.State == job.StatePending {
			if _, err := o.registry.Transition(ctx, jobID, job.StateInProgress, "worker reported status"); err != nil {
				// Lost the race against another status event. Fine.
				var cerr *job.ConflictError
				if !errors.As(err, &cerr) {
					return nil, err
				}
			}
		}
	case event.TypeResult:
		var res protocol.ResultPayload
		if err := json.Unmarshal(req.Payload, &res); err != nil {
			res = protocol.ResultPayload{Success: false, Message: "worker sent malformed result payload"}
		}
		if _, err := o.registry.Resolve(ctx, jobID, job.Result{
			Success:   res.Success,
			Message:   res.Message,
			SessionID: res.SessionID,
		}); err != nil {
			return nil, err
		}
		go o.release(jobID)
	}
	return e, nil
}

// Events reads the durable event log.
func (o *Orchestrator) Events(ctx context.Context, jobID uuid.UUID, since uint64, limit int) ([]event.Event, error) {
	if _, err := o.registry.Get(jobID); err != nil {
		return nil, err
	}
	return o.pipeline.Read(ctx, jobID, since, limit)
}

// Subscribe returns backfill plus a live event channel for the job.
func (o *Orchestrator) Subscribe(ctx context.Context, jobID uuid.UUID, since uint64) ([]event.Event, <-chan event.Event, func(), error) {
	if _, err := o.registry.Get(jobID); err != nil {
		return nil, nil, nil, err
	}
	return o.pipeline.Subscribe(ctx, jobID, since)
}

// Cancel tears the sandbox down and cancels the job. Cancelling a
// terminal job is a no-op success.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID, reason string) (*job.Job, error) {
	j, err := o.registry.Get(jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}
	o.release(jobID)
	if reason == "" {
		reason = "cancelled by operator"
	}
	return o.registry.Cancel(ctx, jobID, reason)
}

// Restart clones a failed or interrupted job into a fresh pending job
// and provisions it.
func (o *Orchestrator) Restart(ctx context.Context, jobID uuid.UUID) (*job.Job, error) {
	clone, err := o.registry.Restart(ctx, jobID)
	if err != nil {
		return nil, err
	}
	go o.provision(clone)
	return clone, nil
}

// WaitTerminal blocks until the job finishes. Used by the routine
// scheduler for outcome tracking.
func (o *Orchestrator) WaitTerminal(ctx context.Context, jobID uuid.UUID) (job.State, error) {
	return o.registry.WaitTerminal(ctx, jobID)
}

// HandleSandboxExit is the supervisor's unexpected-exit callback. A
// job still live when its sandbox dies is interrupted.
func (o *Orchestrator) HandleSandboxExit(jobID uuid.UUID, exitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.revoke(jobID)
	j, err := o.registry.Get(jobID)
	if err != nil || j.State.Terminal() {
		return
	}
	reason := "sandbox exited unexpectedly"
	if exitErr != nil {
		reason = fmt.Sprintf("sandbox exited unexpectedly: %v", exitErr)
	}
	if _, err := o.registry.Transition(ctx, jobID, job.StateInterrupted, reason); err != nil {
		var cerr *job.ConflictError
		if !errors.As(err, &cerr) {
			o.logger.Error("interrupting job after sandbox exit",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StartHeartbeatMonitor runs the liveness loop until the returned stop
// function is called. Jobs silent beyond the hard timeout are torn
// down and interrupted.
func (o *Orchestrator) StartHeartbeatMonitor(ctx context.Context) func() {
	if o.cfg.HeartbeatTimeout <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	interval := o.cfg.HeartbeatTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.sweepStuck(ctx)
			}
		}
	}()
	return cancel
}

func (o *Orchestrator) sweepStuck(ctx context.Context) {
	for _, j := range o.registry.StuckJobs(o.cfg.HeartbeatTimeout) {
		o.logger.Warn("worker unresponsive, interrupting",
			slog.String("job_id", j.ID.String()),
			slog.Duration("timeout", o.cfg.HeartbeatTimeout),
		)
		o.release(j.ID)
		if _, err := o.registry.Transition(ctx, j.ID, job.StateInterrupted, "heartbeat timeout"); err != nil {
			continue
		}
		if o.metrics != nil {
			o.metrics.HeartbeatInterrupts.Inc()
		}
	}
}

// release tears down the sandbox and revokes the worker token.
func (o *Orchestrator) release(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.sandboxes.Teardown(ctx, jobID)
	o.revoke(jobID)
}

func (o *Orchestrator) revoke(jobID uuid.UUID) {
	o.mu.Lock()
	delete(o.workerTokens, jobID)
	o.mu.Unlock()
}
