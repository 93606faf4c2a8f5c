// Package worker is the code that runs inside the sandbox: the
// orchestrator client both entrypoints share, the generic bounded
// agent loop, and the coding-bridge that drives an external agent CLI.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/protocol"
)

const (
	emitRetries    = 3
	emitRetryDelay = 500 * time.Millisecond
)

// Client talks to the orchestrator's internal API with the job-scoped
// bearer token the sandbox was provisioned with.
type Client struct {
	baseURL string
	jobID   uuid.UUID
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient builds a client for the given orchestrator base URL.
func NewClient(baseURL string, jobID uuid.UUID, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		jobID:   jobID,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Identity locates the job an entrypoint works on. Zero fields fall
// back to the env vars the supervisor injects; explicit values win so
// an entrypoint can be pointed at a live orchestrator by hand.
type Identity struct {
	JobID           string // fallback: CLAWYER_JOB_ID
	OrchestratorURL string // fallback: CLAWYER_CALLBACK_URL
}

// NewClientFromIdentity builds a client from an explicit identity with
// env fallback. The worker token always comes from CLAWYER_WORKER_TOKEN.
func NewClientFromIdentity(ident Identity, logger *slog.Logger) (*Client, error) {
	rawID := ident.JobID
	if rawID == "" {
		rawID = os.Getenv("CLAWYER_JOB_ID")
	}
	jobID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", rawID, err)
	}
	baseURL := ident.OrchestratorURL
	if baseURL == "" {
		baseURL = os.Getenv("CLAWYER_CALLBACK_URL")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("no orchestrator URL: set --orchestrator-url or CLAWYER_CALLBACK_URL")
	}
	token := os.Getenv("CLAWYER_WORKER_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("CLAWYER_WORKER_TOKEN is not set")
	}
	return NewClient(baseURL, jobID, token, logger), nil
}

// NewClientFromEnv builds a client from the identity the supervisor
// injected into the container.
func NewClientFromEnv(logger *slog.Logger) (*Client, error) {
	return NewClientFromIdentity(Identity{}, logger)
}

// JobID returns the job this client is scoped to.
func (c *Client) JobID() uuid.UUID { return c.jobID }

// Spec fetches the job spec from the orchestrator.
func (c *Client) Spec(ctx context.Context) (*job.Spec, error) {
	url := fmt.Sprintf("%s/internal/jobs/%s/spec", c.baseURL, c.jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetching spec: status %d: %s", resp.StatusCode, body)
	}

	var sr protocol.SpecResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decoding spec: %w", err)
	}
	return &sr.Spec, nil
}

// Emit posts one event, retrying transient failures. Losing an event
// is acceptable for narration but the caller should treat a failed
// result emit as fatal.
func (c *Client) Emit(ctx context.Context, typ event.Type, payload json.RawMessage) error {
	body := protocol.Marshal(protocol.EmitRequest{Type: typ, Payload: payload})
	url := fmt.Sprintf("%s/internal/jobs/%s/events", c.baseURL, c.jobID)

	var lastErr error
	for attempt := 0; attempt < emitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(emitRetryDelay * time.Duration(attempt)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("emit %s: status %d", typ, resp.StatusCode)
			continue
		default:
			// 4xx is not transient: bad token, closed stream.
			return fmt.Errorf("emit %s: status %d", typ, resp.StatusCode)
		}
	}
	return fmt.Errorf("emit %s: %w", typ, lastErr)
}

func (c *Client) EmitStatus(ctx context.Context, stage, detail string) error {
	return c.Emit(ctx, event.TypeStatus, protocol.Marshal(protocol.StatusPayload{Stage: stage, Detail: detail}))
}

func (c *Client) EmitMessage(ctx context.Context, text string) error {
	return c.Emit(ctx, event.TypeMessage, protocol.Marshal(protocol.MessagePayload{Text: text}))
}

func (c *Client) EmitToolUse(ctx context.Context, tool string, input json.RawMessage) error {
	return c.Emit(ctx, event.TypeToolUse, protocol.Marshal(protocol.ToolUsePayload{Tool: tool, Input: input}))
}

func (c *Client) EmitToolResult(ctx context.Context, tool, output string, exitCode int) error {
	return c.Emit(ctx, event.TypeToolResult, protocol.Marshal(protocol.ToolResultPayload{
		Tool:     tool,
		Output:   output,
		ExitCode: exitCode,
		IsError:  exitCode != 0,
	}))
}

// EmitResult sends the terminal event. Exactly one per job.
func (c *Client) EmitResult(ctx context.Context, success bool, message, sessionID string) error {
	return c.Emit(ctx, event.TypeResult, protocol.Marshal(protocol.ResultPayload{
		Success:   success,
		Message:   message,
		SessionID: sessionID,
	}))
}
