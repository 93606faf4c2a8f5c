package routine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

type memStore struct {
	mu       sync.Mutex
	routines map[uuid.UUID]Routine
}

func newMemStore() *memStore {
	return &memStore{routines: make(map[uuid.UUID]Routine)}
}

func (s *memStore) CreateRoutine(_ context.Context, r *Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[r.ID] = *r
	return nil
}

func (s *memStore) UpdateRoutine(_ context.Context, r *Routine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routines[r.ID] = *r
	return nil
}

func (s *memStore) DeleteRoutine(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.routines, id)
	return nil
}

func (s *memStore) ListRoutines(_ context.Context) ([]Routine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Routine, 0, len(s.routines))
	for _, r := range s.routines {
		out = append(out, r)
	}
	return out, nil
}

// fakeLauncher records created jobs and lets the test decide their
// final state.
type fakeLauncher struct {
	mu      sync.Mutex
	results map[uuid.UUID]chan job.State
	created int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{results: make(map[uuid.UUID]chan job.State)}
}

func (f *fakeLauncher) Create(_ context.Context, spec job.Spec) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := &job.Job{ID: uuid.New(), Spec: spec, State: job.StatePending}
	f.results[j.ID] = make(chan job.State, 1)
	f.created++
	return j, nil
}

func (f *fakeLauncher) WaitTerminal(ctx context.Context, jobID uuid.UUID) (job.State, error) {
	f.mu.Lock()
	ch, ok := f.results[jobID]
	f.mu.Unlock()
	if !ok {
		return "", job.ErrNotFound
	}
	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (f *fakeLauncher) finish(jobID uuid.UUID, state job.State) {
	f.mu.Lock()
	ch := f.results[jobID]
	f.mu.Unlock()
	ch <- state
}

func (f *fakeLauncher) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

type fixture struct {
	sched    *Scheduler
	launcher *fakeLauncher
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		launcher: newFakeLauncher(),
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sched = NewScheduler(newMemStore(), f.launcher, time.Second, nil, nil)
	f.sched.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func validAction() job.Spec {
	return job.Spec{Title: "routine job", Mode: job.ModeGeneric}
}

func mustCreate(t *testing.T, f *fixture, r Routine) *Routine {
	t.Helper()
	got, err := f.sched.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return got
}

func waitOutcome(t *testing.T, f *fixture, routineID, jobID uuid.UUID, want RunOutcome) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := f.sched.Get(routineID)
		if err != nil {
			t.Fatal(err)
		}
		for _, run := range r.RecentRuns {
			if run.JobID == jobID && run.Outcome == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run outcome never became %q", want)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		routine Routine
		wantErr bool
	}{
		{"valid cron", Routine{Name: "r", Trigger: Trigger{Kind: TriggerCron, CronExpr: "*/5 * * * *"}, Action: validAction()}, false},
		{"valid message", Routine{Name: "r", Trigger: Trigger{Kind: TriggerMessage, Pattern: "deploy .*"}, Action: validAction()}, false},
		{"valid webhook", Routine{Name: "r", Trigger: Trigger{Kind: TriggerWebhook}, Action: validAction()}, false},
		{"missing name", Routine{Trigger: Trigger{Kind: TriggerWebhook}, Action: validAction()}, true},
		{"bad cron", Routine{Name: "r", Trigger: Trigger{Kind: TriggerCron, CronExpr: "not cron"}, Action: validAction()}, true},
		{"bad pattern", Routine{Name: "r", Trigger: Trigger{Kind: TriggerMessage, Pattern: "("}, Action: validAction()}, true},
		{"missing pattern", Routine{Name: "r", Trigger: Trigger{Kind: TriggerMessage}, Action: validAction()}, true},
		{"unknown kind", Routine{Name: "r", Trigger: Trigger{Kind: "psychic"}, Action: validAction()}, true},
		{"bad action", Routine{Name: "r", Trigger: Trigger{Kind: TriggerWebhook}, Action: job.Spec{}}, true},
		{"negative cooldown", Routine{Name: "r", Trigger: Trigger{Kind: TriggerWebhook}, Action: validAction(), CooldownSecs: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.routine.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCooldownCollapsesBurst(t *testing.T) {
	f := newFixture(t)
	r := mustCreate(t, f, Routine{
		Name:         "cooled",
		Enabled:      true,
		Trigger:      Trigger{Kind: TriggerWebhook},
		Action:       validAction(),
		CooldownSecs: 60,
	})
	ctx := context.Background()

	if _, err := f.sched.HandleWebhook(ctx, r.ID); err != nil {
		t.Fatalf("first fire error = %v", err)
	}
	// Second fire inside the window is suppressed, whatever the trigger.
	if _, err := f.sched.HandleWebhook(ctx, r.ID); !errors.Is(err, ErrCooldown) {
		t.Errorf("webhook in cooldown error = %v, want ErrCooldown", err)
	}
	if _, err := f.sched.TriggerManual(ctx, r.ID); !errors.Is(err, ErrCooldown) {
		t.Errorf("manual in cooldown error = %v, want ErrCooldown", err)
	}
	if got := f.launcher.createdCount(); got != 1 {
		t.Errorf("jobs created = %d, want 1", got)
	}

	// Past the window it fires again.
	f.advance(61 * time.Second)
	if _, err := f.sched.HandleWebhook(ctx, r.ID); err != nil {
		t.Fatalf("fire after cooldown error = %v", err)
	}
	if got := f.launcher.createdCount(); got != 2 {
		t.Errorf("jobs created = %d, want 2", got)
	}
}

func TestHandleMessageMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	matching := mustCreate(t, f, Routine{
		Name:    "on-deploy",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerMessage, Pattern: `^deploy\b`, Channel: "ops"},
		Action:  validAction(),
	})
	mustCreate(t, f, Routine{
		Name:    "disabled",
		Enabled: false,
		Trigger: Trigger{Kind: TriggerMessage, Pattern: `^deploy\b`},
		Action:  validAction(),
	})

	fired := f.sched.HandleMessage(ctx, "ops", "deploy the thing")
	if len(fired) != 1 || fired[0] != matching.ID {
		t.Errorf("fired = %v, want only the enabled matching routine", fired)
	}
	if fired := f.sched.HandleMessage(ctx, "random", "deploy the thing"); len(fired) != 0 {
		t.Errorf("fired = %v, want none for wrong channel", fired)
	}
	if fired := f.sched.HandleMessage(ctx, "ops", "nothing to see"); len(fired) != 0 {
		t.Errorf("fired = %v, want none for non-matching text", fired)
	}
}

func TestWebhookKindEnforced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cronR := mustCreate(t, f, Routine{
		Name:    "nightly",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerCron, CronExpr: "0 3 * * *"},
		Action:  validAction(),
	})
	if _, err := f.sched.HandleWebhook(ctx, cronR.ID); err == nil {
		t.Error("HandleWebhook() on cron routine succeeded, want error")
	}

	disabled := mustCreate(t, f, Routine{
		Name:    "hook",
		Enabled: false,
		Trigger: Trigger{Kind: TriggerWebhook},
		Action:  validAction(),
	})
	if _, err := f.sched.HandleWebhook(ctx, disabled.ID); err == nil {
		t.Error("HandleWebhook() on disabled routine succeeded, want error")
	}
	// Manual bypasses the enabled flag.
	if _, err := f.sched.TriggerManual(ctx, disabled.ID); err != nil {
		t.Errorf("TriggerManual() on disabled routine error = %v", err)
	}
}

func TestTickFiresDueCron(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := mustCreate(t, f, Routine{
		Name:    "minutely",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerCron, CronExpr: "* * * * *"},
		Action:  validAction(),
	})

	// Not due yet.
	f.sched.tick(ctx)
	if got := f.launcher.createdCount(); got != 0 {
		t.Fatalf("jobs created before due = %d, want 0", got)
	}

	f.advance(61 * time.Second)
	f.sched.tick(ctx)
	if got := f.launcher.createdCount(); got != 1 {
		t.Fatalf("jobs created = %d, want 1", got)
	}
	// Same window again: next fire already advanced.
	f.sched.tick(ctx)
	if got := f.launcher.createdCount(); got != 1 {
		t.Errorf("jobs created after repeat tick = %d, want 1", got)
	}

	got, err := f.sched.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NextFireAt == nil || !got.NextFireAt.After(f.now) {
		t.Errorf("NextFireAt = %v, want after %v", got.NextFireAt, f.now)
	}
	if got.RunCount != 1 || got.LastRunAt == nil {
		t.Errorf("RunCount = %d LastRunAt = %v", got.RunCount, got.LastRunAt)
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := mustCreate(t, f, Routine{
		Name:    "minutely",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerCron, CronExpr: "* * * * *"},
		Action:  validAction(),
	})
	if _, err := f.sched.Toggle(ctx, r.ID, false); err != nil {
		t.Fatal(err)
	}
	f.advance(2 * time.Minute)
	f.sched.tick(ctx)
	if got := f.launcher.createdCount(); got != 0 {
		t.Errorf("disabled routine fired %d times", got)
	}
}

func TestOutcomeTrackingAndFailureStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := mustCreate(t, f, Routine{
		Name:    "flaky",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerWebhook},
		Action:  validAction(),
	})

	for i := 0; i < failingThreshold; i++ {
		j, err := f.sched.HandleWebhook(ctx, r.ID)
		if err != nil {
			t.Fatalf("fire #%d error = %v", i, err)
		}
		f.launcher.finish(j.ID, job.StateFailed)
		waitOutcome(t, f, r.ID, j.ID, RunOutcome(job.StateFailed))
	}

	got, err := f.sched.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ConsecutiveFailures != failingThreshold {
		t.Errorf("ConsecutiveFailures = %d, want %d", got.ConsecutiveFailures, failingThreshold)
	}
	if got.Status() != StatusFailing {
		t.Errorf("Status() = %v, want failing", got.Status())
	}

	// One success resets the streak.
	j, err := f.sched.HandleWebhook(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	f.launcher.finish(j.ID, job.StateCompleted)
	waitOutcome(t, f, r.ID, j.ID, RunOutcome(job.StateCompleted))

	got, _ = f.sched.Get(r.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after success = %d, want 0", got.ConsecutiveFailures)
	}
	if got.Status() != StatusActive {
		t.Errorf("Status() = %v, want active", got.Status())
	}

	// A cancelled run leaves the streak untouched.
	j, err = f.sched.HandleWebhook(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	f.launcher.finish(j.ID, job.StateCancelled)
	waitOutcome(t, f, r.ID, j.ID, RunOutcome(job.StateCancelled))
	got, _ = f.sched.Get(r.ID)
	if got.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures after cancel = %d, want 0", got.ConsecutiveFailures)
	}
}

func TestRecentRunsBounded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := mustCreate(t, f, Routine{
		Name:    "busy",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerWebhook},
		Action:  validAction(),
	})

	for i := 0; i < maxRecentRuns+5; i++ {
		if _, err := f.sched.HandleWebhook(ctx, r.ID); err != nil {
			t.Fatal(err)
		}
		f.advance(time.Second)
	}
	got, err := f.sched.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.RecentRuns) != maxRecentRuns {
		t.Errorf("len(RecentRuns) = %d, want %d", len(got.RecentRuns), maxRecentRuns)
	}
	if got.RunCount != maxRecentRuns+5 {
		t.Errorf("RunCount = %d, want %d", got.RunCount, maxRecentRuns+5)
	}
}

func TestLoadRecomputesNextFire(t *testing.T) {
	store := newMemStore()
	launcher := newFakeLauncher()
	now := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)

	s1 := NewScheduler(store, launcher, time.Second, nil, nil)
	s1.now = func() time.Time { return now }
	r, err := s1.Create(context.Background(), Routine{
		Name:    "nightly",
		Enabled: true,
		Trigger: Trigger{Kind: TriggerCron, CronExpr: "0 3 * * *"},
		Action:  validAction(),
	})
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewScheduler(store, launcher, time.Second, nil, nil)
	s2.now = func() time.Time { return now }
	if err := s2.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, err := s2.Get(r.ID)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if got.NextFireAt == nil || !got.NextFireAt.Equal(want) {
		t.Errorf("NextFireAt = %v, want %v", got.NextFireAt, want)
	}
}
