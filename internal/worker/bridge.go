package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"syscall"
)

const (
	defaultBridgeBinary = "claude"
	defaultMaxTurns     = 30
	// maxLineBytes caps one stream-json line. Longer lines abort the
	// bridge rather than ballooning memory.
	maxLineBytes = 4 << 20 // 4 MB
)

// Bridge drives an external coding-agent CLI as a subprocess and
// translates its stream-json output into the standard event
// vocabulary. The CLI keeps its own session state; the bridge only
// narrates and relays the terminal result.
type Bridge struct {
	client *Client
	binary string
	logger *slog.Logger

	// MaxTurns and Model, when set, override the spec's values.
	MaxTurns int
	Model    string
}

func NewBridge(client *Client, binary string, logger *slog.Logger) *Bridge {
	if binary == "" {
		binary = defaultBridgeBinary
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bridge{client: client, binary: binary, logger: logger}
}

// Run executes the job's prompt through the CLI to its result event.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.client.EmitStatus(ctx, "starting", ""); err != nil {
		return fmt.Errorf("reporting start: %w", err)
	}

	spec, err := b.client.Spec(ctx)
	if err != nil {
		b.fail(ctx, fmt.Sprintf("fetching job spec: %v", err))
		return err
	}

	maxTurns := spec.MaxTurns
	if b.MaxTurns > 0 {
		maxTurns = b.MaxTurns
	}
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	model := spec.Model
	if b.Model != "" {
		model = b.Model
	}
	args := []string{
		"-p", spec.Description,
		"--output-format", "stream-json",
		"--verbose",
		"--max-turns", strconv.Itoa(maxTurns),
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		b.fail(ctx, fmt.Sprintf("wiring agent CLI: %v", err))
		return err
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		b.fail(ctx, fmt.Sprintf("starting agent CLI: %v", err))
		return err
	}

	resultSeen := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		if b.translate(ctx, scanner.Bytes()) {
			resultSeen = true
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if resultSeen {
		return nil
	}
	// The CLI died without a terminal result line.
	switch {
	case ctx.Err() != nil:
		b.fail(context.Background(), "worker cancelled")
		return ctx.Err()
	case scanErr != nil:
		b.fail(ctx, fmt.Sprintf("reading agent CLI output: %v", scanErr))
		return scanErr
	case waitErr != nil:
		b.fail(ctx, fmt.Sprintf("agent CLI exited: %v", waitErr))
		return waitErr
	default:
		b.fail(ctx, "agent CLI exited without a result")
		return fmt.Errorf("agent CLI exited without a result")
	}
}

// streamLine is the subset of the CLI's stream-json vocabulary the
// bridge understands. Unknown types are skipped.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`

	// type == "result".
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Name    string          `json:"name,omitempty"`  // tool_use
	Input   json.RawMessage `json:"input,omitempty"` // tool_use
	Content json.RawMessage `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"` // tool_result
}

// translate maps one stream-json line onto events. Returns true when
// the line was the terminal result.
func (b *Bridge) translate(ctx context.Context, line []byte) bool {
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Debug("skipping unparseable stream line", slog.String("error", err.Error()))
		return false
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			b.emit(ctx, func() error { return b.client.EmitStatus(ctx, "initialized", "") })
		}
	case "assistant":
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					b.emit(ctx, func() error { return b.client.EmitMessage(ctx, block.Text) })
				}
			case "tool_use":
				b.emit(ctx, func() error { return b.client.EmitToolUse(ctx, block.Name, block.Input) })
			}
		}
	case "user":
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			exitCode := 0
			if block.IsError {
				exitCode = 1
			}
			output := flattenContent(block.Content)
			b.emit(ctx, func() error { return b.client.EmitToolResult(ctx, "", output, exitCode) })
		}
	case "result":
		success := msg.Subtype == "success" && !msg.IsError
		if err := b.client.EmitResult(ctx, success, msg.Result, msg.SessionID); err != nil {
			b.logger.Error("result emit failed", slog.String("error", err.Error()))
		}
		return true
	}
	return false
}

func (b *Bridge) emit(_ context.Context, fn func() error) {
	if err := fn(); err != nil {
		b.logger.Warn("event emit failed", slog.String("error", err.Error()))
	}
}

func (b *Bridge) fail(ctx context.Context, message string) {
	if err := b.client.EmitResult(ctx, false, message, ""); err != nil {
		b.logger.Error("result emit failed", slog.String("error", err.Error()))
	}
}

// flattenContent extracts text from a tool_result content field, which
// is either a bare string or a list of text blocks.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, blk := range blocks {
			if blk.Type == "text" {
				out += blk.Text
			}
		}
		return out
	}
	return string(raw)
}
