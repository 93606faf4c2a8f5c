// Package event implements the job event pipeline: ingestion with
// per-job monotonic sequencing, durable persistence, a bounded
// in-memory ring per job, and non-blocking fan-out to live
// subscribers. The durable store is the source of truth; the ring and
// subscriber channels are best-effort read paths.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type classifies an event in the worker vocabulary.
type Type string

const (
	// TypeMessage is free-form agent narration.
	TypeMessage Type = "message"
	// TypeToolUse records a tool invocation.
	TypeToolUse Type = "tool_use"
	// TypeToolResult records a tool outcome.
	TypeToolResult Type = "tool_result"
	// TypeStatus is a worker progress signal. The first status event
	// moves the job to in_progress.
	TypeStatus Type = "status"
	// TypeResult is the terminal event. Exactly one per job; ingestion
	// refuses anything after it.
	TypeResult Type = "result"
)

var knownTypes = map[Type]bool{
	TypeMessage:    true,
	TypeToolUse:    true,
	TypeToolResult: true,
	TypeStatus:     true,
	TypeResult:     true,
}

// Known reports whether t is part of the event vocabulary.
func (t Type) Known() bool { return knownTypes[t] }

// Event is one entry in a job's event stream. Sequence is assigned by
// the pipeline at ingest, monotonically increasing per job from 1.
type Event struct {
	JobID     uuid.UUID       `json:"job_id"`
	Sequence  uint64          `json:"sequence"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is the durable persistence interface the pipeline writes through.
type Store interface {
	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, jobID uuid.UUID, since uint64, limit int) ([]Event, error)
	MaxSequence(ctx context.Context, jobID uuid.UUID) (uint64, error)
}

// ErrStreamClosed is returned when an event arrives after the job's
// result event. The result is terminal for the stream.
var ErrStreamClosed = errors.New("event stream closed by result event")

// ErrUnknownType is returned for event types outside the vocabulary.
var ErrUnknownType = errors.New("unknown event type")
