// Package supervisor provisions and tears down per-job sandboxes.
// Each job gets exactly one hardened ephemeral docker container whose
// only identity is the job id, the orchestrator callback URL, and two
// job-scoped tokens. All egress is forced through the host-side proxy.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/proxy"
)

// Grant is what provisioning hands back to the orchestrator. The
// tokens are job-scoped and die with the sandbox.
type Grant struct {
	WorkerToken   string
	ProxyToken    string
	ContainerName string
}

// ExitFunc is called when a sandbox exits without Teardown having been
// requested. err is the container process error, nil on clean exit.
type ExitFunc func(jobID uuid.UUID, err error)

type sandboxProc struct {
	name     string
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	tornDown bool
}

// Supervisor owns the 1:1 job-to-sandbox binding.
type Supervisor struct {
	cfg     Config
	rules   *proxy.RuleTable
	metrics *Metrics
	logger  *slog.Logger
	onExit  ExitFunc

	mu        sync.Mutex
	sandboxes map[uuid.UUID]*sandboxProc
}

// New creates a Supervisor installing allow rules into the given
// table. onExit may be nil.
func New(cfg Config, rules *proxy.RuleTable, metrics *Metrics, logger *slog.Logger, onExit ExitFunc) *Supervisor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{
		cfg:       cfg.withDefaults(),
		rules:     rules,
		metrics:   metrics,
		logger:    logger,
		onExit:    onExit,
		sandboxes: make(map[uuid.UUID]*sandboxProc),
	}
}

// Provision issues tokens, installs the job's egress allowlist, and
// starts the sandbox container. On any failure everything already set
// up is rolled back and the job has no sandbox.
func (s *Supervisor) Provision(ctx context.Context, j *job.Job) (*Grant, error) {
	workerToken, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("issuing worker token: %w", err)
	}
	proxyToken, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("issuing proxy token: %w", err)
	}
	name, err := containerName()
	if err != nil {
		return nil, fmt.Errorf("naming container: %w", err)
	}

	timeout := s.cfg.Timeout
	if j.Spec.TimeoutSecs > 0 {
		timeout = time.Duration(j.Spec.TimeoutSecs) * time.Second
	}

	env := s.sandboxEnv(j, workerToken, proxyToken)
	command := s.cfg.Command
	if len(command) == 0 {
		command = workerCommand(j.Spec.Mode)
	}
	args := buildRunArgs(s.cfg, name, env, command)

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative pid kills the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	// Reserve the slot before the container starts; two concurrent
	// provisions for one job must not both pass the exists check.
	proc := &sandboxProc{name: name, cmd: cmd, cancel: cancel}
	s.mu.Lock()
	if _, exists := s.sandboxes[j.ID]; exists {
		s.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("job %s already has a sandbox", j.ID)
	}
	s.sandboxes[j.ID] = proc
	s.mu.Unlock()

	s.rules.Install(j.ID, proxyToken, allowRules(j.Spec))

	if err := cmd.Start(); err != nil {
		cancel()
		s.mu.Lock()
		delete(s.sandboxes, j.ID)
		s.mu.Unlock()
		s.rules.Remove(j.ID)
		if s.metrics != nil {
			s.metrics.Provisions.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Provisions.WithLabelValues("ok").Inc()
		s.metrics.ActiveSandboxes.Inc()
	}
	s.logger.InfoContext(ctx, "sandbox provisioned",
		slog.String("job_id", j.ID.String()),
		slog.String("container", name),
		slog.String("mode", string(j.Spec.Mode)),
		slog.Duration("timeout", timeout),
	)

	go s.monitor(j.ID, proc, &stderr)

	return &Grant{WorkerToken: workerToken, ProxyToken: proxyToken, ContainerName: name}, nil
}

// monitor observes the container process. An exit without a prior
// Teardown is unexpected and reported through onExit; the result event
// normally arrives before the container stops, so the orchestrator
// treats a live job whose sandbox died as interrupted.
func (s *Supervisor) monitor(jobID uuid.UUID, proc *sandboxProc, stderr *bytes.Buffer) {
	err := proc.cmd.Wait()
	proc.cancel()
	forceRemove(s.logger, proc.name)

	s.mu.Lock()
	tracked, ok := s.sandboxes[jobID]
	unexpected := ok && tracked == proc && !proc.tornDown
	if unexpected {
		delete(s.sandboxes, jobID)
	}
	s.mu.Unlock()

	if !unexpected {
		return
	}
	s.rules.Remove(jobID)
	if s.metrics != nil {
		s.metrics.ActiveSandboxes.Dec()
		s.metrics.UnexpectedExits.Inc()
	}
	s.logger.Warn("sandbox exited unexpectedly",
		slog.String("job_id", jobID.String()),
		slog.String("container", proc.name),
		slog.String("stderr", truncate(stderr.String(), 512)),
		slog.Any("error", err),
	)
	if s.onExit != nil {
		s.onExit(jobID, err)
	}
}

// Teardown destroys the job's sandbox and revokes its tokens and allow
// rules. Unconditional and idempotent: a job without a sandbox is a
// no-op.
func (s *Supervisor) Teardown(ctx context.Context, jobID uuid.UUID) {
	s.mu.Lock()
	proc, ok := s.sandboxes[jobID]
	if ok {
		proc.tornDown = true
		delete(s.sandboxes, jobID)
	}
	s.mu.Unlock()

	s.rules.Remove(jobID)
	if !ok {
		return
	}

	proc.cancel()
	if proc.cmd.Process != nil {
		syscall.Kill(-proc.cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck // already gone is fine
	}
	forceRemove(s.logger, proc.name)

	if s.metrics != nil {
		s.metrics.ActiveSandboxes.Dec()
	}
	s.logger.InfoContext(ctx, "sandbox torn down",
		slog.String("job_id", jobID.String()),
		slog.String("container", proc.name),
	)
}

// Shutdown tears down every live sandbox. Called on server exit; the
// registry separately marks the affected jobs interrupted.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.sandboxes))
	for id := range s.sandboxes {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Teardown(ctx, id)
	}
}

// Active reports whether the job currently has a sandbox.
func (s *Supervisor) Active(jobID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sandboxes[jobID]
	return ok
}

// sandboxEnv builds the container environment. The proxy credentials
// ride in the proxy URL userinfo; NO_PROXY exempts the orchestrator
// callback so worker events do not loop through the proxy.
func (s *Supervisor) sandboxEnv(j *job.Job, workerToken, proxyToken string) map[string]string {
	env := make(map[string]string, len(j.Spec.Env)+8)
	for k, v := range j.Spec.Env {
		env[k] = v
	}
	env["CLAWYER_JOB_ID"] = j.ID.String()
	env["CLAWYER_CALLBACK_URL"] = s.cfg.CallbackURL
	env["CLAWYER_WORKER_TOKEN"] = workerToken

	if s.cfg.ProxyURL != "" {
		proxyURL := s.cfg.ProxyURL
		if u, err := url.Parse(s.cfg.ProxyURL); err == nil {
			u.User = url.UserPassword(j.ID.String(), proxyToken)
			proxyURL = u.String()
		}
		env["HTTP_PROXY"] = proxyURL
		env["HTTPS_PROXY"] = proxyURL
		env["NO_PROXY"] = noProxyHosts(s.cfg.CallbackURL)
	}
	return env
}

// allowRules maps the spec's declared domains to proxy rules. A
// leading "*." opts the rule into subdomain matching.
func allowRules(spec job.Spec) []proxy.Rule {
	rules := make([]proxy.Rule, 0, len(spec.AllowedDomains))
	for _, d := range spec.AllowedDomains {
		r := proxy.Rule{Domain: d, CredentialRef: spec.CredentialRefs[d]}
		if base, ok := strings.CutPrefix(d, "*."); ok {
			r.Domain = base
			r.Subdomains = true
		}
		rules = append(rules, r)
	}
	return rules
}

func workerCommand(mode job.Mode) []string {
	if mode == job.ModeBridge {
		return []string{"clawyer", "claude-bridge"}
	}
	return []string{"clawyer", "worker"}
}

func noProxyHosts(callbackURL string) string {
	hosts := []string{"localhost", "127.0.0.1"}
	if u, err := url.Parse(callbackURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return strings.Join(hosts, ",")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
