package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/proxy"
)

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

func TestBuildRunArgsHardening(t *testing.T) {
	cfg := Config{Image: "clawyer-runtime:test", MemoryMB: 256, CPUCores: 0.5, PIDsLimit: 64}.withDefaults()
	args := buildRunArgs(cfg, "clawyer-job-test", map[string]string{"CLAWYER_JOB_ID": "x"}, []string{"clawyer", "worker"})

	for _, want := range []string{
		"--rm",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--memory=256m",
		"--memory-swap=256m",
		"--cpus=0.50",
		"--pids-limit=64",
		"--network=bridge",
		"clawyer-runtime:test",
	} {
		if !containsArg(args, want) {
			t.Errorf("args missing %q", want)
		}
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "CLAWYER_JOB_ID=x") {
		t.Error("job env not passed")
	}
	if !strings.HasSuffix(joined, "clawyer worker") {
		t.Errorf("command must come last, got %q", joined)
	}
	// The image separates flags from the command.
	var imageIdx, cmdIdx int
	for i, a := range args {
		if a == "clawyer-runtime:test" {
			imageIdx = i
		}
		if a == "clawyer" {
			cmdIdx = i
		}
	}
	if imageIdx > cmdIdx {
		t.Error("image must precede the worker command")
	}
}

func TestAllowRules(t *testing.T) {
	spec := job.Spec{
		AllowedDomains: []string{"api.example.com", "*.github.com"},
		CredentialRefs: map[string]string{"api.example.com": "env://API_KEY"},
	}
	rules := allowRules(spec)
	if len(rules) != 2 {
		t.Fatalf("len = %d, want 2", len(rules))
	}
	if rules[0].Domain != "api.example.com" || rules[0].Subdomains || rules[0].CredentialRef != "env://API_KEY" {
		t.Errorf("rules[0] = %+v", rules[0])
	}
	if rules[1].Domain != "github.com" || !rules[1].Subdomains || rules[1].CredentialRef != "" {
		t.Errorf("rules[1] = %+v", rules[1])
	}
}

func TestSandboxEnvProxyWiring(t *testing.T) {
	s := New(Config{
		ProxyURL:    "http://host.docker.internal:8378",
		CallbackURL: "http://host.docker.internal:8377",
	}, proxy.NewRuleTable(), nil, nil, nil)

	j := &job.Job{ID: uuid.New(), Spec: job.Spec{Env: map[string]string{"EXTRA": "1"}}}
	env := s.sandboxEnv(j, "wtok", "ptok")

	wantProxy := "http://" + j.ID.String() + ":ptok@host.docker.internal:8378"
	if env["HTTP_PROXY"] != wantProxy {
		t.Errorf("HTTP_PROXY = %q, want %q", env["HTTP_PROXY"], wantProxy)
	}
	if env["HTTPS_PROXY"] != wantProxy {
		t.Errorf("HTTPS_PROXY = %q, want %q", env["HTTPS_PROXY"], wantProxy)
	}
	if !strings.Contains(env["NO_PROXY"], "host.docker.internal") {
		t.Errorf("NO_PROXY = %q, want callback host exempted", env["NO_PROXY"])
	}
	if env["CLAWYER_WORKER_TOKEN"] != "wtok" || env["CLAWYER_JOB_ID"] != j.ID.String() {
		t.Error("worker identity env incomplete")
	}
	if env["EXTRA"] != "1" {
		t.Error("spec env not merged")
	}
}

func TestWorkerCommand(t *testing.T) {
	if got := workerCommand(job.ModeGeneric); strings.Join(got, " ") != "clawyer worker" {
		t.Errorf("generic command = %v", got)
	}
	if got := workerCommand(job.ModeBridge); strings.Join(got, " ") != "clawyer claude-bridge" {
		t.Errorf("bridge command = %v", got)
	}
}

func TestTokensUnique(t *testing.T) {
	a, err := newToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := newToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("newToken() returned duplicates")
	}
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(a))
	}
}

func TestTeardownWithoutSandboxIsNoop(t *testing.T) {
	rules := proxy.NewRuleTable()
	s := New(Config{}, rules, nil, nil, nil)
	// Must not panic or error on an unknown job.
	s.Teardown(context.Background(), uuid.New())
}

// stubDocker puts a fake docker binary on PATH so Provision can start
// a container process without a daemon.
func stubDocker(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "docker"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)
}

func TestProvisionRejectsConcurrentDuplicates(t *testing.T) {
	stubDocker(t, "#!/bin/sh\nif [ \"$1\" = run ]; then sleep 5; fi\n")

	rules := proxy.NewRuleTable()
	s := New(Config{
		Image:       "clawyer-runtime:test",
		Timeout:     time.Minute,
		CallbackURL: "http://127.0.0.1:8377",
	}, rules, nil, nil, nil)
	j := &job.Job{ID: uuid.New(), Spec: job.Spec{Title: "t", Mode: job.ModeGeneric}}

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Provision(context.Background(), j)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("successful provisions = %d, want exactly 1", ok)
	}
	s.Teardown(context.Background(), j.ID)
}

func TestProvisionStartFailureReleasesSlot(t *testing.T) {
	t.Setenv("PATH", t.TempDir()) // no docker binary at all

	s := New(Config{
		Image:       "clawyer-runtime:test",
		Timeout:     time.Minute,
		CallbackURL: "http://127.0.0.1:8377",
	}, proxy.NewRuleTable(), nil, nil, nil)
	j := &job.Job{ID: uuid.New(), Spec: job.Spec{Title: "t", Mode: job.ModeGeneric}}

	if _, err := s.Provision(context.Background(), j); err == nil {
		t.Fatal("Provision() without docker succeeded")
	}
	if s.Active(j.ID) {
		t.Error("Active() = true after failed start")
	}
	// The slot must be free for a retry, not stuck on the reservation.
	_, err := s.Provision(context.Background(), j)
	if err == nil {
		t.Fatal("retry Provision() without docker succeeded")
	}
	if strings.Contains(err.Error(), "already has a sandbox") {
		t.Errorf("retry error = %v, want a start failure, not a held slot", err)
	}
}

func TestProvisionAndTeardown(t *testing.T) {
	skipIfNoDocker(t)

	rules := proxy.NewRuleTable()
	exited := make(chan uuid.UUID, 1)
	s := New(Config{
		Image:       "busybox:latest",
		Timeout:     time.Minute,
		CallbackURL: "http://127.0.0.1:8377",
		Command:     []string{"sleep", "30"},
	}, rules, nil, nil, func(id uuid.UUID, err error) { exited <- id })

	j := &job.Job{ID: uuid.New(), Spec: job.Spec{
		Title:          "itest",
		Mode:           job.ModeGeneric,
		AllowedDomains: []string{"example.com"},
	}}

	grant, err := s.Provision(context.Background(), j)
	if err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if grant.WorkerToken == "" || grant.ProxyToken == "" {
		t.Error("grant missing tokens")
	}
	if !rules.Authorize(j.ID, grant.ProxyToken) {
		t.Error("proxy token not installed")
	}
	if _, ok := rules.Match(j.ID, "example.com"); !ok {
		t.Error("allow rule not installed")
	}
	if !s.Active(j.ID) {
		t.Error("Active() = false after provision")
	}

	// Double provisioning the same job must fail.
	if _, err := s.Provision(context.Background(), j); err == nil {
		t.Error("second Provision() succeeded, want error")
	}

	s.Teardown(context.Background(), j.ID)
	if s.Active(j.ID) {
		t.Error("Active() = true after teardown")
	}
	if rules.Authorize(j.ID, grant.ProxyToken) {
		t.Error("proxy token survives teardown")
	}
	select {
	case id := <-exited:
		t.Errorf("onExit fired for torn down job %s", id)
	case <-time.After(500 * time.Millisecond):
	}
}
