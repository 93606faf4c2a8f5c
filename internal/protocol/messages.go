// Package protocol defines the wire types exchanged between sandboxed
// workers and the orchestrator's internal HTTP API. Both worker
// entrypoints and the gateway import it; neither depends on the other.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

// EmitRequest is the body of POST /internal/jobs/{id}/events.
type EmitRequest struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EmitResponse acknowledges an ingested event with its assigned
// per-job sequence.
type EmitResponse struct {
	Sequence uint64 `json:"sequence"`
}

// SpecResponse is the body of GET /internal/jobs/{id}/spec.
type SpecResponse struct {
	JobID string   `json:"job_id"`
	Spec  job.Spec `json:"spec"`
}

// MessagePayload carries agent narration.
type MessagePayload struct {
	Text string `json:"text"`
}

// StatusPayload is a worker progress signal.
type StatusPayload struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail,omitempty"`
}

// ToolUsePayload records a tool invocation.
type ToolUsePayload struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload records a tool outcome.
type ToolResultPayload struct {
	Tool     string `json:"tool"`
	Output   string `json:"output,omitempty"`
	ExitCode int    `json:"exit_code"`
	IsError  bool   `json:"is_error,omitempty"`
}

// ResultPayload is the payload of the single terminal result event.
type ResultPayload struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// Marshal encodes a payload, panicking only on programmer error
// (none of the payload types can fail to marshal).
func Marshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling protocol payload: %v", err))
	}
	return b
}
