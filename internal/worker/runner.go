package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

const (
	defaultMaxIterations = 20
	stepTimeout          = 10 * time.Minute
	maxStepOutputBytes   = 64 << 10 // 64 KB per tool result.
)

// Emitter is the event surface an agent loop narrates through.
// *Client satisfies it.
type Emitter interface {
	EmitMessage(ctx context.Context, text string) error
	EmitToolUse(ctx context.Context, tool string, input json.RawMessage) error
	EmitToolResult(ctx context.Context, tool, output string, exitCode int) error
}

var _ Emitter = (*Client)(nil)

// AgentLoop is one reasoning-and-acting iteration. The shipped
// ExecLoop runs the spec's declared steps; an LLM-backed loop plugs in
// behind the same interface.
type AgentLoop interface {
	// Step runs iteration i. done reports the work finished, with
	// summary as the result message.
	Step(ctx context.Context, i int, spec job.Spec, emit Emitter) (done bool, summary string, err error)
}

// Runner is the generic worker entrypoint: fetch the spec, drive the
// loop under an iteration budget, and emit exactly one result.
type Runner struct {
	client *Client
	loop   AgentLoop
	logger *slog.Logger

	// MaxIterations, when > 0, overrides the spec's iteration budget.
	MaxIterations int
}

func NewRunner(client *Client, loop AgentLoop, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{client: client, loop: loop, logger: logger}
}

// Run executes the job to its result event. The returned error is for
// the process exit code; the orchestrator learns the outcome from the
// result event.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.client.EmitStatus(ctx, "starting", ""); err != nil {
		return fmt.Errorf("reporting start: %w", err)
	}

	spec, err := r.client.Spec(ctx)
	if err != nil {
		r.emitResult(ctx, false, fmt.Sprintf("fetching job spec: %v", err), "")
		return err
	}

	maxIter := spec.MaxIterations
	if r.MaxIterations > 0 {
		maxIter = r.MaxIterations
	}
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	for i := 0; i < maxIter; i++ {
		select {
		case <-ctx.Done():
			r.emitResult(context.Background(), false, "worker cancelled", "")
			return ctx.Err()
		default:
		}

		done, summary, err := r.loop.Step(ctx, i, *spec, r.client)
		if err != nil {
			r.emitResult(ctx, false, err.Error(), "")
			return err
		}
		if done {
			r.emitResult(ctx, true, summary, "")
			return nil
		}
		if err := r.client.EmitStatus(ctx, "working", fmt.Sprintf("iteration %d/%d", i+1, maxIter)); err != nil {
			r.logger.Warn("status emit failed", slog.String("error", err.Error()))
		}
	}

	msg := fmt.Sprintf("iteration budget of %d exhausted without completion", maxIter)
	r.emitResult(ctx, false, msg, "")
	return fmt.Errorf("%s", msg)
}

func (r *Runner) emitResult(ctx context.Context, success bool, message, sessionID string) {
	if err := r.client.EmitResult(ctx, success, message, sessionID); err != nil {
		r.logger.Error("result emit failed", slog.String("error", err.Error()))
	}
}

// ExecLoop executes the spec's declared steps as shell commands, one
// per iteration, narrating each as a tool_use/tool_result pair. A
// failing step fails the job.
type ExecLoop struct{}

func (ExecLoop) Step(ctx context.Context, i int, spec job.Spec, emit Emitter) (bool, string, error) {
	if len(spec.Steps) == 0 {
		return true, "no steps declared, nothing to do", nil
	}
	if i >= len(spec.Steps) {
		return true, fmt.Sprintf("all %d steps completed", len(spec.Steps)), nil
	}

	step := spec.Steps[i]
	input := struct {
		Command string `json:"command"`
	}{Command: step}
	if err := emit.EmitToolUse(ctx, "shell", json.RawMessage(mustJSON(input))); err != nil {
		return false, "", fmt.Errorf("narrating step %d: %w", i+1, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()
	cmd := exec.CommandContext(stepCtx, "sh", "-c", step)
	var out bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &out, remaining: maxStepOutputBytes}
	cmd.Stderr = cmd.Stdout

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		exitCode = -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}
	if err := emit.EmitToolResult(ctx, "shell", out.String(), exitCode); err != nil {
		return false, "", fmt.Errorf("narrating step %d result: %w", i+1, err)
	}
	if runErr != nil {
		return false, "", fmt.Errorf("step %d (%q) failed: %v", i+1, step, runErr)
	}

	if i == len(spec.Steps)-1 {
		return true, fmt.Sprintf("all %d steps completed", len(spec.Steps)), nil
	}
	return false, "", nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// limitedWriter caps captured output; excess is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
