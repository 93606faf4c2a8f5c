package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/protocol"
	"github.com/lawyered0/cLawyer-sub000/internal/supervisor"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]job.Job
}

func (s *memJobStore) CreateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = *j
	return nil
}

func (s *memJobStore) UpdateJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = *j
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, id uuid.UUID) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return &j, nil
}

func (s *memJobStore) ListJobs(_ context.Context) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

type memEventStore struct {
	mu     sync.Mutex
	events map[uuid.UUID][]event.Event
}

func (s *memEventStore) AppendEvent(_ context.Context, e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.JobID] = append(s.events[e.JobID], *e)
	return nil
}

func (s *memEventStore) ListEvents(_ context.Context, jobID uuid.UUID, since uint64, limit int) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Event
	for _, e := range s.events[jobID] {
		if e.Sequence > since {
			out = append(out, e)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memEventStore) MaxSequence(_ context.Context, jobID uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.events[jobID]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

// fakeSandboxes stands in for the docker supervisor.
type fakeSandboxes struct {
	mu          sync.Mutex
	failWith    error
	provisioned map[uuid.UUID]bool
	tornDown    map[uuid.UUID]bool
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{
		provisioned: make(map[uuid.UUID]bool),
		tornDown:    make(map[uuid.UUID]bool),
	}
}

func (f *fakeSandboxes) Provision(_ context.Context, j *job.Job) (*supervisor.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.provisioned[j.ID] = true
	return &supervisor.Grant{WorkerToken: "wtok-" + j.ID.String(), ProxyToken: "ptok"}, nil
}

func (f *fakeSandboxes) Teardown(_ context.Context, jobID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown[jobID] = true
	delete(f.provisioned, jobID)
}

func (f *fakeSandboxes) Active(jobID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned[jobID]
}

func (f *fakeSandboxes) wasTornDown(jobID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tornDown[jobID]
}

type fixture struct {
	orch     *Orchestrator
	registry *job.Registry
	boxes    *fakeSandboxes
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	registry := job.NewRegistry(&memJobStore{jobs: make(map[uuid.UUID]job.Job)}, nil, nil)
	pipeline := event.NewPipeline(&memEventStore{events: make(map[uuid.UUID][]event.Event)}, nil, nil)
	boxes := newFakeSandboxes()
	return &fixture{
		orch:     New(cfg, registry, pipeline, boxes, nil, nil),
		registry: registry,
		boxes:    boxes,
	}
}

// eventually polls until cond holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func waitState(t *testing.T, f *fixture, id uuid.UUID, want job.State) *job.Job {
	t.Helper()
	eventually(t, func() bool {
		j, err := f.registry.Get(id)
		return err == nil && j.State == want
	}, "job never reached state "+string(want))
	j, err := f.registry.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return j
}

func TestCreateProvisionsSandbox(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	j, err := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if j.State != job.StatePending {
		t.Errorf("State = %v, want pending immediately", j.State)
	}

	eventually(t, func() bool { return f.boxes.Active(j.ID) }, "sandbox never provisioned")
	eventually(t, func() bool { return f.orch.Authenticate(j.ID, "wtok-"+j.ID.String()) },
		"worker token never installed")
	if f.orch.Authenticate(j.ID, "wrong") {
		t.Error("Authenticate(wrong token) = true")
	}
}

func TestProvisionFailureFailsJob(t *testing.T) {
	f := newFixture(t, Config{})
	f.boxes.failWith = errors.New("no docker daemon")

	j, err := f.orch.Create(context.Background(), job.Spec{Title: "t", Mode: job.ModeGeneric})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got := waitState(t, f, j.ID, job.StateFailed)
	if got.Result == nil || got.Result.Success {
		t.Fatalf("Result = %+v, want failure", got.Result)
	}
	if want := "sandbox provisioning failed"; len(got.Result.Message) == 0 ||
		got.Result.Message[:len(want)] != want {
		t.Errorf("Result.Message = %q, want provisioning reason", got.Result.Message)
	}
}

func TestFirstStatusStartsJob(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})

	for i := 0; i < 2; i++ {
		if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
			Type:    event.TypeStatus,
			Payload: protocol.Marshal(protocol.StatusPayload{Stage: "working"}),
		}); err != nil {
			t.Fatalf("HandleWorkerEvent(#%d) error = %v", i, err)
		}
	}

	got, err := f.registry.Get(j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != job.StateInProgress {
		t.Errorf("State = %v, want in_progress after first status", got.State)
	}
}

func TestResultResolvesAndTearsDown(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	eventually(t, func() bool { return f.boxes.Active(j.ID) }, "sandbox never provisioned")

	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type: event.TypeStatus, Payload: protocol.Marshal(protocol.StatusPayload{Stage: "working"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type:    event.TypeResult,
		Payload: protocol.Marshal(protocol.ResultPayload{Success: true, Message: "all done"}),
	}); err != nil {
		t.Fatalf("HandleWorkerEvent(result) error = %v", err)
	}

	got := waitState(t, f, j.ID, job.StateCompleted)
	if got.Result == nil || !got.Result.Success || got.Result.Message != "all done" {
		t.Errorf("Result = %+v", got.Result)
	}
	eventually(t, func() bool { return f.boxes.wasTornDown(j.ID) }, "sandbox never torn down")

	// The stream is closed: further events are refused.
	_, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{Type: event.TypeMessage})
	if !errors.Is(err, event.ErrStreamClosed) {
		t.Errorf("event after result error = %v, want ErrStreamClosed", err)
	}
}

func TestCancelTearsDownAndIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	eventually(t, func() bool { return f.boxes.Active(j.ID) }, "sandbox never provisioned")

	got, err := f.orch.Cancel(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.State != job.StateCancelled {
		t.Errorf("State = %v, want cancelled", got.State)
	}
	if !f.boxes.wasTornDown(j.ID) {
		t.Error("sandbox not torn down on cancel")
	}

	again, err := f.orch.Cancel(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("second Cancel() error = %v, want no-op success", err)
	}
	if again.State != job.StateCancelled {
		t.Errorf("State = %v after second cancel", again.State)
	}
}

func TestRestartProvisionsClone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	eventually(t, func() bool { return f.boxes.Active(j.ID) }, "sandbox never provisioned")

	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type: event.TypeStatus, Payload: protocol.Marshal(protocol.StatusPayload{Stage: "x"}),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type:    event.TypeResult,
		Payload: protocol.Marshal(protocol.ResultPayload{Success: false, Message: "boom"}),
	}); err != nil {
		t.Fatal(err)
	}
	waitState(t, f, j.ID, job.StateFailed)

	clone, err := f.orch.Restart(ctx, j.ID)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if clone.ID == j.ID {
		t.Error("Restart() reused the job id")
	}
	if clone.RestartedFrom == nil || *clone.RestartedFrom != j.ID {
		t.Errorf("RestartedFrom = %v, want %v", clone.RestartedFrom, j.ID)
	}
	eventually(t, func() bool { return f.boxes.Active(clone.ID) }, "clone sandbox never provisioned")
}

func TestHandleSandboxExitInterrupts(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type: event.TypeStatus, Payload: protocol.Marshal(protocol.StatusPayload{Stage: "x"}),
	}); err != nil {
		t.Fatal(err)
	}

	f.orch.HandleSandboxExit(j.ID, errors.New("oom killed"))
	got := waitState(t, f, j.ID, job.StateInterrupted)
	last := got.Transitions[len(got.Transitions)-1]
	if last.Reason == "" {
		t.Error("interrupt transition has no reason")
	}

	// A job that already finished is left alone.
	done, _ := f.orch.Create(ctx, job.Spec{Title: "t2", Mode: job.ModeGeneric})
	if _, err := f.orch.Cancel(ctx, done.ID, ""); err != nil {
		t.Fatal(err)
	}
	f.orch.HandleSandboxExit(done.ID, nil)
	final, _ := f.registry.Get(done.ID)
	if final.State != job.StateCancelled {
		t.Errorf("State = %v, want cancelled untouched", final.State)
	}
}

func TestSweepStuckInterrupts(t *testing.T) {
	f := newFixture(t, Config{HeartbeatTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	j, _ := f.orch.Create(ctx, job.Spec{Title: "t", Mode: job.ModeGeneric})
	if _, err := f.orch.HandleWorkerEvent(ctx, j.ID, protocol.EmitRequest{
		Type: event.TypeStatus, Payload: protocol.Marshal(protocol.StatusPayload{Stage: "x"}),
	}); err != nil {
		t.Fatal(err)
	}

	f.registry.Touch(j.ID, time.Now().Add(-time.Minute))
	f.orch.sweepStuck(ctx)

	got := waitState(t, f, j.ID, job.StateInterrupted)
	last := got.Transitions[len(got.Transitions)-1]
	if last.Reason != "heartbeat timeout" {
		t.Errorf("reason = %q, want %q", last.Reason, "heartbeat timeout")
	}
	if !f.boxes.wasTornDown(j.ID) {
		t.Error("stuck job's sandbox not torn down")
	}
}
