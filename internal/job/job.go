// Package job implements the job lifecycle state machine for cLawyer.
// A Job is one unit of sandboxed agent work, tracked through an
// append-only transition history. All state mutation goes through the
// Registry, which is the single writer of job state.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Mode selects the worker entrypoint that runs inside the sandbox.
type Mode string

const (
	// ModeGeneric runs the generic tool-calling worker loop.
	ModeGeneric Mode = "generic-worker"
	// ModeBridge drives an external coding-agent CLI as a subprocess.
	ModeBridge Mode = "coding-bridge"
)

// State is the lifecycle state of a Job.
type State string

const (
	StatePending     State = "pending"
	StateInProgress  State = "in_progress"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateInterrupted State = "interrupted"
	StateCancelled   State = "cancelled"
)

// Terminal reports whether the state is final. Terminal jobs never
// transition again; restart creates a new Job instead.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateInterrupted, StateCancelled:
		return true
	}
	return false
}

// legalEdges is the transition table. Absence means Conflict.
var legalEdges = map[State][]State{
	StatePending:    {StateInProgress, StateFailed, StateCancelled, StateInterrupted},
	StateInProgress: {StateCompleted, StateFailed, StateInterrupted, StateCancelled},
}

// legalEdge reports whether from → to is in the transition table.
func legalEdge(from, to State) bool {
	for _, s := range legalEdges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded edge in a Job's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Result is the terminal outcome reported by the worker (or synthesized
// by the supervisor on failure paths). Every terminal Job carries a
// human-readable Message.
type Result struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"` // Coding-bridge session reference.
}

// Spec is the immutable description of the work a Job performs.
type Spec struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Mode        Mode   `json:"mode"`

	// Steps are the commands the generic worker executes, one per
	// iteration. Ignored in bridge mode, where Description is the prompt.
	Steps []string `json:"steps,omitempty"`

	// AllowedDomains are operator-declared egress targets, merged with
	// tool-declared domains into the proxy allowlist at provision time.
	AllowedDomains []string `json:"allowed_domains,omitempty"`

	// CredentialRefs maps a domain to an opaque credential reference the
	// egress proxy resolves at request time. Never raw secrets.
	CredentialRefs map[string]string `json:"credential_refs,omitempty"`

	Env           map[string]string `json:"env,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"` // Generic mode. 0 = default.
	MaxTurns      int               `json:"max_turns,omitempty"`      // Bridge mode. 0 = default.
	Model         string            `json:"model,omitempty"`          // Bridge mode model selection.
	TimeoutSecs   int               `json:"timeout_secs,omitempty"`   // Wall-clock sandbox timeout. 0 = default.
}

// Validate checks the spec before a Job is created.
func (s *Spec) Validate() error {
	if s.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	switch s.Mode {
	case ModeGeneric, ModeBridge:
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", s.Mode)}
	}
	if s.Mode == ModeBridge && s.Description == "" {
		return &ValidationError{Field: "description", Reason: "required in bridge mode"}
	}
	for _, d := range s.AllowedDomains {
		if d == "" || d == "*" {
			return &ValidationError{Field: "allowed_domains", Reason: fmt.Sprintf("invalid domain %q", d)}
		}
	}
	return nil
}

// Job is one sandboxed execution of agent work.
//
// Invariants: Transitions[0].From is StatePending; State always equals
// the To of the last transition; CompletedAt is set iff State is
// terminal; at most one sandbox is bound to a Job at a time.
type Job struct {
	ID          uuid.UUID    `json:"id"`
	Spec        Spec         `json:"spec"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`
	Result      *Result      `json:"result,omitempty"`

	// RestartedFrom links a restarted Job back to the Failed/Interrupted
	// Job it was cloned from. The original remains immutable history.
	RestartedFrom *uuid.UUID `json:"restarted_from,omitempty"`

	// BrowseURL points into the sandbox file tree. Valid only while the
	// sandbox is alive or its artifacts are retained.
	BrowseURL string `json:"browse_url,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastEventAt backs the derived "stuck" label. Updated on every
	// ingested event, never persisted as a state.
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Stuck reports whether the job is InProgress with no event received
// for longer than the window. Query-time derivation only — never a
// stored state and never a transition.
func (j *Job) Stuck(now time.Time, window time.Duration) bool {
	if j.State != StateInProgress {
		return false
	}
	last := j.LastEventAt
	if last.IsZero() {
		if j.StartedAt == nil {
			return false
		}
		last = *j.StartedAt
	}
	return now.Sub(last) > window
}

// Summary is the by-state job count for dashboards. Stuck is derived
// and overlaps InProgress.
type Summary struct {
	Pending     int `json:"pending"`
	InProgress  int `json:"in_progress"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
	Cancelled   int `json:"cancelled"`
	Stuck       int `json:"stuck"`
}

// Filter narrows List results.
type Filter struct {
	States []State
	Mode   Mode
	Limit  int // 0 = no limit.
}

// ErrNotFound is returned when a job id resolves to nothing.
var ErrNotFound = errors.New("job not found")

// ValidationError reports a bad job spec or request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports an illegal transition attempt. The job is left
// untouched; exactly one of two racing transitions succeeds.
type ConflictError struct {
	JobID uuid.UUID
	From  State
	To    State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}
