package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence interface the Registry writes through.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	UpdateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
}

// Registry owns all job state. It is the single writer: every mutation
// goes through it, serializing concurrent transition attempts so that
// exactly one of two racing callers succeeds and the other gets a
// ConflictError.
type Registry struct {
	store   Store
	metrics *Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	waiters map[uuid.UUID][]chan State
}

// NewRegistry creates an empty Registry. Call Load to recover persisted
// jobs before serving traffic.
func NewRegistry(store Store, metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		store:   store,
		metrics: metrics,
		logger:  logger,
		jobs:    make(map[uuid.UUID]*Job),
		waiters: make(map[uuid.UUID][]chan State),
	}
}

// Load restores jobs from the store. Jobs found non-terminal are moved
// to Interrupted — their sandboxes did not survive the host restart.
func (r *Registry) Load(ctx context.Context) error {
	jobs, err := r.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var recovered int
	for i := range jobs {
		j := jobs[i]
		r.jobs[j.ID] = &j
	}
	for _, j := range r.jobs {
		if j.State.Terminal() {
			continue
		}
		if err := r.applyLocked(ctx, j, StateInterrupted, "host shutdown"); err != nil {
			r.logger.Warn("recovery transition failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	r.logger.Info("job registry loaded",
		slog.Int("jobs", len(r.jobs)),
		slog.Int("recovered", recovered),
	)
	return nil
}

// Create validates the spec and inserts a new Job in Pending. It never
// blocks on sandbox provisioning — that is the orchestrator's business.
func (r *Registry) Create(ctx context.Context, spec Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &Job{
		ID:    uuid.New(),
		Spec:  spec,
		State: StatePending,
		// The creation record is the one self-edge in a job's history.
		Transitions: []Transition{{From: StatePending, To: StatePending, At: now, Reason: "created"}},
		CreatedAt:   now,
	}

	if err := r.store.CreateJob(ctx, j); err != nil {
		return nil, fmt.Errorf("persisting job: %w", err)
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.JobsCreated.WithLabelValues(string(spec.Mode)).Inc()
		r.metrics.ActiveJobs.Inc()
	}

	r.logger.InfoContext(ctx, "job created",
		slog.String("job_id", j.ID.String()),
		slog.String("mode", string(spec.Mode)),
		slog.String("title", spec.Title),
	)
	return snapshot(j), nil
}

// Transition appends a transition iff it is a legal edge from the
// current state. Illegal edges fail with a ConflictError and leave the
// job untouched.
func (r *Registry) Transition(ctx context.Context, id uuid.UUID, to State, reason string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.applyLocked(ctx, j, to, reason); err != nil {
		return nil, err
	}
	return snapshot(j), nil
}

// Resolve records the worker-reported result and moves the job to
// Completed or Failed accordingly.
func (r *Registry) Resolve(ctx context.Context, id uuid.UUID, result Result) (*Job, error) {
	to := StateCompleted
	if !result.Success {
		to = StateFailed
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.applyLocked(ctx, j, to, result.Message); err != nil {
		return nil, err
	}
	j.Result = &result
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Warn("persisting job result failed",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
	return snapshot(j), nil
}

// Cancel moves a Pending/InProgress job to Cancelled. Cancelling a job
// already in a terminal state is a no-op success, not an error, and
// produces no new transition.
func (r *Registry) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State.Terminal() {
		return snapshot(j), nil
	}
	if err := r.applyLocked(ctx, j, StateCancelled, reason); err != nil {
		return nil, err
	}
	return snapshot(j), nil
}

// Restart clones the spec of a Failed/Interrupted job into a new
// Pending job with a back-reference. The original is not mutated.
func (r *Registry) Restart(ctx context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	orig, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if orig.State != StateFailed && orig.State != StateInterrupted {
		from := orig.State
		r.mu.Unlock()
		return nil, &ConflictError{JobID: id, From: from, To: StatePending}
	}
	spec := orig.Spec
	r.mu.Unlock()

	clone, err := r.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if j, ok := r.jobs[clone.ID]; ok {
		j.RestartedFrom = &id
		clone.RestartedFrom = &id
		if err := r.store.UpdateJob(ctx, j); err != nil {
			r.logger.Warn("persisting restart reference failed",
				slog.String("job_id", clone.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "job restarted",
		slog.String("job_id", id.String()),
		slog.String("new_job_id", clone.ID.String()),
	)
	return clone, nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(j), nil
}

// Touch updates the heartbeat bookkeeping for the derived stuck label.
func (r *Registry) Touch(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.LastEventAt = at
	}
}

// SetBrowseURL records the sandbox file-tree link for a job.
func (r *Registry) SetBrowseURL(ctx context.Context, id uuid.UUID, url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	j.BrowseURL = url
	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Warn("persisting browse url failed",
			slog.String("job_id", id.String()),
			slog.String("error", err.Error()),
		)
	}
}

// List returns snapshots matching the filter, newest first.
func (r *Registry) List(filter Filter) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if filter.Mode != "" && j.Spec.Mode != filter.Mode {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, j.State) {
			continue
		}
		out = append(out, *snapshot(j))
	}
	sortJobsByCreated(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Summary returns by-state counts. The stuck count is derived against
// the given heartbeat window and overlaps InProgress.
func (r *Registry) Summary(window time.Duration) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var s Summary
	for _, j := range r.jobs {
		switch j.State {
		case StatePending:
			s.Pending++
		case StateInProgress:
			s.InProgress++
		case StateCompleted:
			s.Completed++
		case StateFailed:
			s.Failed++
		case StateInterrupted:
			s.Interrupted++
		case StateCancelled:
			s.Cancelled++
		}
		if j.Stuck(now, window) {
			s.Stuck++
		}
	}
	return s
}

// StuckJobs returns snapshots of InProgress jobs with no event for
// longer than the window. Used by the heartbeat monitor.
func (r *Registry) StuckJobs(window time.Duration) []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	var out []Job
	for _, j := range r.jobs {
		if j.Stuck(now, window) {
			out = append(out, *snapshot(j))
		}
	}
	return out
}

// WaitTerminal blocks until the job reaches a terminal state or the
// context is done, and returns the final state.
func (r *Registry) WaitTerminal(ctx context.Context, id uuid.UUID) (State, error) {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return "", ErrNotFound
	}
	if j.State.Terminal() {
		final := j.State
		r.mu.Unlock()
		return final, nil
	}
	ch := make(chan State, 1)
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()

	select {
	case final := <-ch:
		return final, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// applyLocked performs the transition under r.mu, persists, and
// notifies terminal waiters.
func (r *Registry) applyLocked(ctx context.Context, j *Job, to State, reason string) error {
	if !legalEdge(j.State, to) {
		if r.metrics != nil {
			r.metrics.TransitionConflicts.Inc()
		}
		return &ConflictError{JobID: j.ID, From: j.State, To: to}
	}

	now := time.Now().UTC()
	from := j.State
	j.Transitions = append(j.Transitions, Transition{From: from, To: to, At: now, Reason: reason})
	j.State = to

	if to == StateInProgress && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.CompletedAt = &now
		j.BrowseURL = "" // Sandbox is gone with the terminal state.
		for _, ch := range r.waiters[j.ID] {
			ch <- to
		}
		delete(r.waiters, j.ID)
		if r.metrics != nil {
			r.metrics.ActiveJobs.Dec()
			r.metrics.JobsFinished.WithLabelValues(string(to)).Inc()
		}
	}

	if err := r.store.UpdateJob(ctx, j); err != nil {
		r.logger.Error("persisting transition failed",
			slog.String("job_id", j.ID.String()),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}

	r.logger.InfoContext(ctx, "job transition",
		slog.String("job_id", j.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", reason),
	)
	return nil
}

func snapshot(j *Job) *Job {
	out := *j
	out.Transitions = append([]Transition(nil), j.Transitions...)
	if j.Result != nil {
		res := *j.Result
		out.Result = &res
	}
	return &out
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func sortJobsByCreated(jobs []Job) {
	// Newest first.
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}
