// Package routine implements standing trigger-to-job rules: cron
// schedules, inbound message patterns, and webhooks that each launch a
// job from a stored spec, with per-routine cooldown and failure-streak
// tracking.
package routine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

// TriggerKind selects how a routine fires.
type TriggerKind string

const (
	// TriggerCron fires on a cron schedule.
	TriggerCron TriggerKind = "cron"
	// TriggerMessage fires when an inbound message matches a pattern.
	TriggerMessage TriggerKind = "message"
	// TriggerWebhook fires on an authenticated webhook call.
	TriggerWebhook TriggerKind = "webhook"
)

// Trigger is the condition a routine fires on. Exactly the fields for
// its kind are set.
type Trigger struct {
	Kind     TriggerKind `json:"kind"`
	CronExpr string      `json:"cron_expr,omitempty"` // Kind == cron.
	Pattern  string      `json:"pattern,omitempty"`   // Kind == message, regexp.
	Channel  string      `json:"channel,omitempty"`   // Optional message scope.
}

// Status is derived, never stored.
type Status string

const (
	StatusActive   Status = "active"
	StatusFailing  Status = "failing"
	StatusDisabled Status = "disabled"
)

// failingThreshold is the consecutive-failure count at which a routine
// is labeled failing. It keeps firing; the label is for operators.
const failingThreshold = 3

// maxRecentRuns bounds the per-routine run history.
const maxRecentRuns = 20

// RunOutcome is "pending" until the launched job reaches a terminal
// state, then that state's name.
type RunOutcome string

const RunPending RunOutcome = "pending"

// Run records one firing of a routine.
type Run struct {
	JobID   uuid.UUID  `json:"job_id"`
	At      time.Time  `json:"at"`
	Outcome RunOutcome `json:"outcome"`
}

// Routine is a standing trigger-to-job rule.
type Routine struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Enabled bool      `json:"enabled"`
	Trigger Trigger   `json:"trigger"`

	// Action is the job spec launched on fire.
	Action job.Spec `json:"action"`

	// CooldownSecs suppresses fires, of any trigger kind, within this
	// many seconds of the last run. Zero means no cooldown.
	CooldownSecs int `json:"cooldown_secs,omitempty"`

	RunCount            int        `json:"run_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	NextFireAt          *time.Time `json:"next_fire_at,omitempty"` // Cron kind only.
	RecentRuns          []Run      `json:"recent_runs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status derives the operator-facing label.
func (r *Routine) Status() Status {
	switch {
	case !r.Enabled:
		return StatusDisabled
	case r.ConsecutiveFailures >= failingThreshold:
		return StatusFailing
	default:
		return StatusActive
	}
}

// InCooldown reports whether a fire at now would land inside the
// cooldown window.
func (r *Routine) InCooldown(now time.Time) bool {
	if r.CooldownSecs <= 0 || r.LastRunAt == nil {
		return false
	}
	return now.Sub(*r.LastRunAt) < time.Duration(r.CooldownSecs)*time.Second
}

// Validate checks the routine definition, compiling the trigger's
// schedule or pattern.
func (r *Routine) Validate() error {
	if r.Name == "" {
		return &job.ValidationError{Field: "name", Reason: "required"}
	}
	if err := r.Action.Validate(); err != nil {
		return fmt.Errorf("action: %w", err)
	}
	switch r.Trigger.Kind {
	case TriggerCron:
		if _, err := cron.ParseStandard(r.Trigger.CronExpr); err != nil {
			return &job.ValidationError{Field: "trigger.cron_expr", Reason: err.Error()}
		}
	case TriggerMessage:
		if r.Trigger.Pattern == "" {
			return &job.ValidationError{Field: "trigger.pattern", Reason: "required"}
		}
		if _, err := regexp.Compile(r.Trigger.Pattern); err != nil {
			return &job.ValidationError{Field: "trigger.pattern", Reason: err.Error()}
		}
	case TriggerWebhook:
	default:
		return &job.ValidationError{Field: "trigger.kind", Reason: fmt.Sprintf("unknown kind %q", r.Trigger.Kind)}
	}
	if r.CooldownSecs < 0 {
		return &job.ValidationError{Field: "cooldown_secs", Reason: "must be >= 0"}
	}
	return nil
}

// nextFire computes the next cron fire time after now. Only meaningful
// for cron routines.
func (r *Routine) nextFire(now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(r.Trigger.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(now), nil
}

// Store is the persistence interface the scheduler writes through.
type Store interface {
	CreateRoutine(ctx context.Context, r *Routine) error
	UpdateRoutine(ctx context.Context, r *Routine) error
	DeleteRoutine(ctx context.Context, id uuid.UUID) error
	ListRoutines(ctx context.Context) ([]Routine, error)
}

// ErrNotFound is returned when a routine id resolves to nothing.
var ErrNotFound = fmt.Errorf("routine not found")

// ErrCooldown is returned for explicit fires suppressed by cooldown.
var ErrCooldown = fmt.Errorf("routine in cooldown")
