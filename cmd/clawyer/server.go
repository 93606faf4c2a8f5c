package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lawyered0/cLawyer-sub000/internal/config"
	"github.com/lawyered0/cLawyer-sub000/internal/event"
	"github.com/lawyered0/cLawyer-sub000/internal/gateway/httpapi"
	"github.com/lawyered0/cLawyer-sub000/internal/gateway/ws"
	"github.com/lawyered0/cLawyer-sub000/internal/job"
	"github.com/lawyered0/cLawyer-sub000/internal/observability"
	"github.com/lawyered0/cLawyer-sub000/internal/orchestrator"
	"github.com/lawyered0/cLawyer-sub000/internal/proxy"
	"github.com/lawyered0/cLawyer-sub000/internal/ratelimit"
	"github.com/lawyered0/cLawyer-sub000/internal/routine"
	"github.com/lawyered0/cLawyer-sub000/internal/secrets"
	"github.com/lawyered0/cLawyer-sub000/internal/storage"
	_ "github.com/lawyered0/cLawyer-sub000/internal/storage/gormstore" // Registers the sqlite and postgres backends.
	"github.com/lawyered0/cLawyer-sub000/internal/supervisor"

	goutils "github.com/jkaninda/go-utils"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the orchestrator (HTTP API, egress proxy, scheduler)",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `clawyer --config path` and `clawyer server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServer starts the orchestrator: storage, egress proxy, sandbox
// supervisor, routine scheduler, and the operator HTTP API.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("CLAWYER_CONFIG", serverConfigPath), logger)
	if err != nil {
		return err
	}
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Storage.
	store, err := storage.Open(cfg.StorageSettings(), logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("storage ready", slog.String("driver", store.Driver()))

	// Job registry, warmed from storage.
	registry := job.NewRegistry(store.Jobs(), job.NewMetrics(obs.Reg()), logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	// Event pipeline.
	pipeline := event.NewPipeline(store.Events(), event.NewMetrics(obs.Reg()), logger)

	// Egress proxy with credential injection.
	rules := proxy.NewRuleTable()
	egress := proxy.New(rules, buildSecretsProvider(cfg, logger), proxy.NewMetrics(obs.Reg()), logger)
	proxyErr := make(chan error, 1)
	go func() { proxyErr <- egress.Start(cfg.Proxy.Addr()) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := egress.Shutdown(shutdownCtx); err != nil {
			logger.Error("stopping egress proxy", slog.String("error", err.Error()))
		}
	}()

	// Sandbox supervisor. Exit notifications flow back into the
	// orchestrator, created right after.
	var orch *orchestrator.Orchestrator
	boxes := supervisor.New(supervisor.Config{
		Image:       cfg.Sandbox.Image,
		MemoryMB:    cfg.Sandbox.MaxMemoryMB,
		CPUCores:    cfg.Sandbox.CPUCores,
		PIDsLimit:   cfg.Sandbox.PIDsLimit,
		Timeout:     cfg.Sandbox.MaxExecution(),
		ProxyURL:    cfg.Proxy.URL(),
		CallbackURL: cfg.Sandbox.Callback(),
	}, rules, supervisor.NewMetrics(obs.Reg()), logger, func(jobID uuid.UUID, err error) {
		orch.HandleSandboxExit(jobID, err)
	})

	orch = orchestrator.New(orchestrator.Config{
		StuckWindow:      cfg.Orchestrator.StuckWindow(),
		HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout(),
		BrowseURLPattern: cfg.Orchestrator.Pattern(),
	}, registry, pipeline, boxes, orchestrator.NewMetrics(obs.Reg()), logger)
	cancelMonitor := orch.StartHeartbeatMonitor(ctx)
	defer cancelMonitor()

	// Routine scheduler.
	sched := routine.NewScheduler(store.Routines(), orch, cfg.Scheduler.PollInterval(), routine.NewMetrics(obs.Reg()), logger)
	if err := sched.Load(ctx); err != nil {
		return fmt.Errorf("loading routines: %w", err)
	}
	cancelSched := sched.Start(ctx)
	defer cancelSched()

	// Readiness checks.
	registerHealthChecks(cfg, obs, store)

	// HTTP API gateway with the event WebSocket mounted.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})
	httpCfg := httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		EnableDocs:      cfg.Server.EnableDocs,
		APIKeys:         cfg.Server.APIKeys,
		MaxRequestSize:  cfg.Server.MaxRequestSize(),
		MetricsRegistry: obs.Reg(),
		HealthChecker:   obs.Health,
	}
	if obs.Metrics != nil {
		httpCfg.Metrics = obs.Metrics
	}
	if obs.Tracer != nil {
		httpCfg.Tracer = obs.Tracer.Tracer()
	}
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}

	gw := httpapi.NewGateway(httpCfg, orch, sched, limiter, logger)
	wsServer := ws.NewServer(orch, gw.CheckAPIKey, logger)
	gw.WithHandler("/ws/jobs/{id}", wsServer.Handler())

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-gwErr:
		if err != nil {
			logger.Error("http gateway exited", slog.String("error", err.Error()))
		}
	case err := <-proxyErr:
		if err != nil {
			logger.Error("egress proxy exited", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	return nil
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == config.DefaultConfigPath() {
		logger.Info("no config file found, using defaults", slog.String("path", path))
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildSecretsProvider layers env and file providers, plus Vault when
// configured. First hit wins.
func buildSecretsProvider(cfg *config.Config, logger *slog.Logger) secrets.Provider {
	providers := []secrets.Provider{
		secrets.NewEnvProvider(),
		secrets.NewFileProvider(),
	}
	if cfg.Secrets != nil && cfg.Secrets.VaultAddress != "" {
		vp, err := secrets.NewVaultProvider(cfg.Secrets.VaultAddress, cfg.Secrets.VaultToken, cfg.Secrets.Timeout())
		if err != nil {
			logger.Error("vault provider disabled", slog.String("error", err.Error()))
		} else {
			providers = append(providers, vp)
			logger.Info("vault provider enabled", slog.String("address", cfg.Secrets.VaultAddress))
		}
	}
	return secrets.NewComposite(providers...)
}

func registerHealthChecks(cfg *config.Config, obs *observability.Observability, store storage.Store) {
	if obs == nil || obs.Health == nil || cfg.Observability == nil || cfg.Observability.Health == nil {
		return
	}
	hc := cfg.Observability.Health
	if hc.IncludeDB {
		obs.Health.AddCheck("database", store.Ping)
	}
	if hc.IncludeDocker {
		obs.Health.AddCheck("docker", func(ctx context.Context) error {
			return exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").Run()
		})
	}
}
