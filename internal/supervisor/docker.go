package supervisor

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"time"
)

const (
	defaultImage     = "clawyer-runtime:latest"
	defaultMemoryMB  = 1024
	defaultCPUCores  = 1.0
	defaultPIDsLimit = 128
	defaultTimeout   = 30 * time.Minute

	// maxOutputBytes caps captured container stdout/stderr. The event
	// pipeline carries the real output; this is diagnostics only.
	maxOutputBytes = 1 << 20 // 1 MB
)

// Config configures sandbox provisioning.
type Config struct {
	Image     string        // Container image for both worker modes.
	MemoryMB  int           // --memory hard limit.
	CPUCores  float64       // --cpus rate limit.
	PIDsLimit int           // --pids-limit (prevents fork bombs).
	Timeout   time.Duration // Default wall-clock limit per job.

	// ProxyURL is the egress proxy address as reachable from inside the
	// container (e.g. "http://host.docker.internal:8378"). Credentials
	// are added per job.
	ProxyURL string
	// CallbackURL is the orchestrator's internal API base as reachable
	// from inside the container.
	CallbackURL string

	// Command overrides the worker entrypoint inside the image. Empty
	// means the mode's default clawyer subcommand.
	Command []string
}

func (c Config) withDefaults() Config {
	if c.Image == "" {
		c.Image = defaultImage
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = defaultMemoryMB
	}
	if c.CPUCores <= 0 {
		c.CPUCores = defaultCPUCores
	}
	if c.PIDsLimit <= 0 {
		c.PIDsLimit = defaultPIDsLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// buildRunArgs constructs the docker run argument list for one job
// sandbox. Hardening baseline:
//   - all capabilities dropped, no privilege escalation
//   - read-only root filesystem with tmpfs work dirs
//   - non-root user, memory/swap/cpu/pids limits
//   - sanitized environment; the only identity inside is the job id,
//     the callback URL, and the two scoped tokens
//   - bridge network, but egress forced through the proxy via
//     HTTP_PROXY/HTTPS_PROXY
func buildRunArgs(cfg Config, name string, env map[string]string, command []string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		"--memory=" + strconv.Itoa(cfg.MemoryMB) + "m",
		"--memory-swap=" + strconv.Itoa(cfg.MemoryMB) + "m",
		"--cpus=" + strconv.FormatFloat(cfg.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(cfg.PIDsLimit),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=128m",
		"--tmpfs", "/workspace:rw,nosuid,size=512m",

		"--env", "HOME=/workspace",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--network=bridge",
		"--workdir", "/workspace",
	}

	// Deterministic env order keeps logs and tests stable.
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}

	args = append(args, cfg.Image)
	args = append(args, command...)
	return args
}

// forceRemove removes the container by name. Safety net for the cases
// where --rm does not fire (OOM kill, daemon restart, cancel race).
// Best-effort: errors are logged, not returned.
func forceRemove(logger *slog.Logger, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// containerName returns a unique name: clawyer-job-<16 hex chars>.
func containerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "clawyer-job-" + hex.EncodeToString(b), nil
}

// newToken returns a 32-byte hex token for worker/proxy scoping.
func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
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
