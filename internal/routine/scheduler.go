package routine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

// Launcher starts jobs and reports their final state. The
// orchestrator satisfies it.
type Launcher interface {
	Create(ctx context.Context, spec job.Spec) (*job.Job, error)
	WaitTerminal(ctx context.Context, jobID uuid.UUID) (job.State, error)
}

const defaultPollInterval = 15 * time.Second

// Scheduler owns all routines: CRUD, the cron tick loop, message
// matching, and run-outcome tracking. Single writer of routine state.
type Scheduler struct {
	store    Store
	launcher Launcher
	metrics  *Metrics
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	routines map[uuid.UUID]*Routine
	now      func() time.Time
}

// NewScheduler creates a Scheduler; call Load before Start.
// pollInterval <= 0 uses the default.
func NewScheduler(store Store, launcher Launcher, pollInterval time.Duration, metrics *Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Scheduler{
		store:    store,
		launcher: launcher,
		metrics:  metrics,
		logger:   logger,
		interval: pollInterval,
		routines: make(map[uuid.UUID]*Routine),
		now:      time.Now,
	}
}

// Load restores routines from the store and recomputes cron fire
// times. Missed fires from downtime are not replayed.
func (s *Scheduler) Load(ctx context.Context) error {
	routines, err := s.store.ListRoutines(ctx)
	if err != nil {
		return fmt.Errorf("loading routines: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	for i := range routines {
		r := routines[i]
		if r.Trigger.Kind == TriggerCron {
			if next, err := r.nextFire(now); err == nil {
				r.NextFireAt = &next
			}
		}
		s.routines[r.ID] = &r
	}
	s.logger.Info("routines loaded", slog.Int("count", len(s.routines)))
	return nil
}

// Create validates and persists a new routine.
func (s *Scheduler) Create(ctx context.Context, r Routine) (*Routine, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r.ID = uuid.New()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Trigger.Kind == TriggerCron {
		next, err := r.nextFire(now)
		if err != nil {
			return nil, err
		}
		r.NextFireAt = &next
	}
	if err := s.store.CreateRoutine(ctx, &r); err != nil {
		return nil, fmt.Errorf("persisting routine: %w", err)
	}
	s.mu.Lock()
	s.routines[r.ID] = &r
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "routine created",
		slog.String("routine_id", r.ID.String()),
		slog.String("name", r.Name),
		slog.String("kind", string(r.Trigger.Kind)),
	)
	return snapshot(&r), nil
}

// Get returns a snapshot.
func (s *Scheduler) Get(id uuid.UUID) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return snapshot(r), nil
}

// List returns snapshots of all routines.
func (s *Scheduler) List() []Routine {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, *snapshot(r))
	}
	return out
}

// Toggle enables or disables a routine. Disabling does not touch the
// failure streak; re-enabling resumes where it left off.
func (s *Scheduler) Toggle(ctx context.Context, id uuid.UUID, enabled bool) (*Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Enabled = enabled
	r.UpdatedAt = s.now().UTC()
	if enabled && r.Trigger.Kind == TriggerCron {
		if next, err := r.nextFire(r.UpdatedAt); err == nil {
			r.NextFireAt = &next
		}
	}
	s.persistLocked(ctx, r)
	return snapshot(r), nil
}

// Delete removes a routine. Jobs it already launched are unaffected.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, ok := s.routines[id]
	delete(s.routines, id)
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return s.store.DeleteRoutine(ctx, id)
}

// TriggerManual fires the routine now, bypassing the enabled flag but
// not the cooldown.
func (s *Scheduler) TriggerManual(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	r, ok := s.routines[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	j, err := s.fireLocked(ctx, r, "manual")
	s.mu.Unlock()
	return j, err
}

// HandleWebhook fires a webhook-kind routine.
func (s *Scheduler) HandleWebhook(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Trigger.Kind != TriggerWebhook {
		return nil, &job.ValidationError{Field: "trigger.kind", Reason: "routine is not webhook-triggered"}
	}
	if !r.Enabled {
		return nil, &job.ValidationError{Field: "enabled", Reason: "routine is disabled"}
	}
	return s.fireLocked(ctx, r, "webhook")
}

// HandleMessage fires every enabled message-kind routine whose pattern
// matches the text in the given channel. A burst of matching messages
// inside one cooldown window collapses into a single run. Returns the
// fired routine ids.
func (s *Scheduler) HandleMessage(ctx context.Context, channel, text string) []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []uuid.UUID
	for _, r := range s.routines {
		if r.Trigger.Kind != TriggerMessage || !r.Enabled {
			continue
		}
		if r.Trigger.Channel != "" && r.Trigger.Channel != channel {
			continue
		}
		re, err := regexp.Compile(r.Trigger.Pattern)
		if err != nil || !re.MatchString(text) {
			continue
		}
		if _, err := s.fireLocked(ctx, r, "message"); err == nil {
			fired = append(fired, r.ID)
		}
	}
	return fired
}

// Start runs the cron tick loop until the returned stop function is
// called.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
	s.logger.Info("routine scheduler started", slog.Duration("poll_interval", s.interval))
	return cancel
}

// tick fires every enabled cron routine that is due. The next fire
// time advances even when the run is suppressed by cooldown, so one
// window's burst never queues up.
func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	for _, r := range s.routines {
		if r.Trigger.Kind != TriggerCron || !r.Enabled {
			continue
		}
		if r.NextFireAt == nil || now.Before(*r.NextFireAt) {
			continue
		}
		if next, err := r.nextFire(now); err == nil {
			r.NextFireAt = &next
		}
		s.fireLocked(ctx, r, "cron") //nolint:errcheck // suppression/launch errors already logged and counted
	}
}

// fireLocked launches the routine's action. Caller holds s.mu.
func (s *Scheduler) fireLocked(ctx context.Context, r *Routine, trigger string) (*job.Job, error) {
	now := s.now().UTC()
	if r.InCooldown(now) {
		if s.metrics != nil {
			s.metrics.CooldownSuppressed.Inc()
		}
		s.logger.Debug("routine fire suppressed by cooldown",
			slog.String("routine_id", r.ID.String()),
			slog.String("trigger", trigger),
		)
		return nil, ErrCooldown
	}

	j, err := s.launcher.Create(ctx, r.Action)
	if err != nil {
		s.logger.Error("routine job launch failed",
			slog.String("routine_id", r.ID.String()),
			slog.String("trigger", trigger),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	r.LastRunAt = &now
	r.RunCount++
	r.RecentRuns = append([]Run{{JobID: j.ID, At: now, Outcome: RunPending}}, r.RecentRuns...)
	if len(r.RecentRuns) > maxRecentRuns {
		r.RecentRuns = r.RecentRuns[:maxRecentRuns]
	}
	r.UpdatedAt = now
	s.persistLocked(ctx, r)

	if s.metrics != nil {
		s.metrics.Fires.WithLabelValues(trigger).Inc()
	}
	s.logger.InfoContext(ctx, "routine fired",
		slog.String("routine_id", r.ID.String()),
		slog.String("job_id", j.ID.String()),
		slog.String("trigger", trigger),
	)

	go s.trackOutcome(r.ID, j.ID)
	return j, nil
}

// trackOutcome waits for the launched job to finish and folds the
// final state into the routine's run history and failure streak.
func (s *Scheduler) trackOutcome(routineID, jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 24*time.Hour)
	defer cancel()

	state, err := s.launcher.WaitTerminal(ctx, jobID)
	if err != nil {
		s.logger.Warn("routine outcome tracking aborted",
			slog.String("routine_id", routineID.String()),
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.routines[routineID]
	if !ok {
		return
	}
	for i := range r.RecentRuns {
		if r.RecentRuns[i].JobID == jobID {
			r.RecentRuns[i].Outcome = RunOutcome(state)
			break
		}
	}
	switch state {
	case job.StateCompleted:
		r.ConsecutiveFailures = 0
	case job.StateFailed:
		r.ConsecutiveFailures++
	}
	// Interrupted and cancelled runs leave the streak untouched.
	r.UpdatedAt = s.now().UTC()
	s.persistLocked(ctx, r)
}

func (s *Scheduler) persistLocked(ctx context.Context, r *Routine) {
	if err := s.store.UpdateRoutine(ctx, r); err != nil {
		s.logger.Error("persisting routine failed",
			slog.String("routine_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func snapshot(r *Routine) *Routine {
	out := *r
	out.RecentRuns = append([]Run(nil), r.RecentRuns...)
	if r.LastRunAt != nil {
		t := *r.LastRunAt
		out.LastRunAt = &t
	}
	if r.NextFireAt != nil {
		t := *r.NextFireAt
		out.NextFireAt = &t
	}
	return &out
}
