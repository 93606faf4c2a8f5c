// Package gormstore implements storage.Store on GORM, with SQLite and
// PostgreSQL backends sharing one set of models and repositories.
// Structured fields (spec, transitions, trigger, run history) are kept
// as JSON text columns; fields the queries filter or sort on get their
// own indexed columns.
package gormstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
)

// JobModel is the jobs table row.
type JobModel struct {
	ID            string `gorm:"primaryKey;size:36"`
	Title         string `gorm:"size:255"`
	Mode          string `gorm:"size:32;index"`
	State         string `gorm:"size:16;index"`
	Spec          string `gorm:"type:text"`
	Transitions   string `gorm:"type:text"`
	Result        string `gorm:"type:text"`
	RestartedFrom string `gorm:"size:36"`
	BrowseURL     string `gorm:"size:512"`

	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastEventAt *time.Time
}

func (JobModel) TableName() string { return "jobs" }

// EventModel is the events table row. The (job_id, sequence) unique
// index backs per-job monotonic sequencing and ordered reads.
type EventModel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:36;uniqueIndex:idx_events_job_seq"`
	Sequence  uint64 `gorm:"uniqueIndex:idx_events_job_seq"`
	Type      string `gorm:"size:16"`
	Payload   string `gorm:"type:text"`
	Timestamp time.Time
}

func (EventModel) TableName() string { return "events" }

// RoutineModel is the routines table row.
type RoutineModel struct {
	ID                  string `gorm:"primaryKey;size:36"`
	Name                string `gorm:"size:255;index"`
	Enabled             bool
	Trigger             string `gorm:"type:text"`
	Action              string `gorm:"type:text"`
	CooldownSecs        int
	RunCount            int
	ConsecutiveFailures int
	LastRunAt           *time.Time
	NextFireAt          *time.Time
	RecentRuns          string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RoutineModel) TableName() string { return "routines" }

func marshalColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalColumn(col string, v any) error {
	if col == "" {
		return nil
	}
	return json.Unmarshal([]byte(col), v)
}

func jobToModel(j *job.Job) (*JobModel, error) {
	spec, err := marshalColumn(j.Spec)
	if err != nil {
		return nil, fmt.Errorf("encoding spec: %w", err)
	}
	transitions, err := marshalColumn(j.Transitions)
	if err != nil {
		return nil, fmt.Errorf("encoding transitions: %w", err)
	}
	m := &JobModel{
		ID:          j.ID.String(),
		Title:       j.Spec.Title,
		Mode:        string(j.Spec.Mode),
		State:       string(j.State),
		Spec:        spec,
		Transitions: transitions,
		BrowseURL:   j.BrowseURL,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
	if j.Result != nil {
		if m.Result, err = marshalColumn(j.Result); err != nil {
			return nil, fmt.Errorf("encoding result: %w", err)
		}
	}
	if j.RestartedFrom != nil {
		m.RestartedFrom = j.RestartedFrom.String()
	}
	if !j.LastEventAt.IsZero() {
		t := j.LastEventAt
		m.LastEventAt = &t
	}
	return m, nil
}

func jobFromModel(m *JobModel) (*job.Job, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", m.ID, err)
	}
	j := &job.Job{
		ID:          id,
		State:       job.State(m.State),
		BrowseURL:   m.BrowseURL,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := unmarshalColumn(m.Spec, &j.Spec); err != nil {
		return nil, fmt.Errorf("decoding spec: %w", err)
	}
	if err := unmarshalColumn(m.Transitions, &j.Transitions); err != nil {
		return nil, fmt.Errorf("decoding transitions: %w", err)
	}
	if m.Result != "" {
		j.Result = &job.Result{}
		if err := unmarshalColumn(m.Result, j.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	if m.RestartedFrom != "" {
		from, err := uuid.Parse(m.RestartedFrom)
		if err != nil {
			return nil, fmt.Errorf("restarted_from %q: %w", m.RestartedFrom, err)
		}
		j.RestartedFrom = &from
	}
	if m.LastEventAt != nil {
		j.LastEventAt = *m.LastEventAt
	}
	return j, nil
}

func eventToModel(e *event.Event) *EventModel {
	return &EventModel{
		JobID:     e.JobID.String(),
		Sequence:  e.Sequence,
		Type:      string(e.Type),
		Payload:   string(e.Payload),
		Timestamp: e.Timestamp,
	}
}

func eventFromModel(m *EventModel) (*event.Event, error) {
	jobID, err := uuid.Parse(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("event job id %q: %w", m.JobID, err)
	}
	e := &event.Event{
		JobID:     jobID,
		Sequence:  m.Sequence,
		Type:      event.Type(m.Type),
		Timestamp: m.Timestamp,
	}
	if m.Payload != "" {
		e.Payload = json.RawMessage(m.Payload)
	}
	return e, nil
}

func routineToModel(r *routine.Routine) (*RoutineModel, error) {
	trigger, err := marshalColumn(r.Trigger)
	if err != nil {
		return nil, fmt.Errorf("encoding trigger: %w", err)
	}
	action, err := marshalColumn(r.Action)
	if err != nil {
		return nil, fmt.Errorf("encoding action: %w", err)
	}
	m := &RoutineModel{
		ID:                  r.ID.String(),
		Name:                r.Name,
		Enabled:             r.Enabled,
		Trigger:             trigger,
		Action:              action,
		CooldownSecs:        r.CooldownSecs,
		RunCount:            r.RunCount,
		ConsecutiveFailures: r.ConsecutiveFailures,
		LastRunAt:           r.LastRunAt,
		NextFireAt:          r.NextFireAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if len(r.RecentRuns) > 0 {
		if m.RecentRuns, err = marshalColumn(r.RecentRuns); err != nil {
			return nil, fmt.Errorf("encoding recent runs: %w", err)
		}
	}
	return m, nil
}

func routineFromModel(m *RoutineModel) (*routine.Routine, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("routine id %q: %w", m.ID, err)
	}
	r := &routine.Routine{
		ID:                  id,
		Name:                m.Name,
		Enabled:             m.Enabled,
		CooldownSecs:        m.CooldownSecs,
		RunCount:            m.RunCount,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastRunAt:           m.LastRunAt,
		NextFireAt:          m.NextFireAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if err := unmarshalColumn(m.Trigger, &r.Trigger); err != nil {
		return nil, fmt.Errorf("decoding trigger: %w", err)
	}
	if err := unmarshalColumn(m.Action, &r.Action); err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}
	if err := unmarshalColumn(m.RecentRuns, &r.RecentRuns); err != nil {
		return nil, fmt.Errorf("decoding recent runs: %w", err)
	}
	return r, nil
}
