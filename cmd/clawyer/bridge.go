package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lawyered0/cLawyer-sub000/internal/worker"

	goutils "github.com/jkaninda/go-utils"
)

var (
	bridgeBinary   string
	bridgeJobID    string
	bridgeOrchURL  string
	bridgeMaxTurns int
	bridgeModel    string
)

var bridgeCmd = &cobra.Command{
	Use:   "claude-bridge",
	Short: "Drive an external coding-agent CLI inside a sandbox",
	Long: `Runs a coding-agent CLI as a subprocess and relays its stream-json
output to the orchestrator as job events. The job identity is injected
by the supervisor at provision time; --job-id and --orchestrator-url
override it for manual invocations.`,
	RunE: runBridge,
}

func init() {
	bridgeCmd.Flags().StringVar(&bridgeBinary, "binary", "",
		"coding-agent CLI binary (default: CLAWYER_BRIDGE_BINARY or \"claude\")")
	bridgeCmd.Flags().StringVar(&bridgeJobID, "job-id", "",
		"job to work on (default: CLAWYER_JOB_ID)")
	bridgeCmd.Flags().StringVar(&bridgeOrchURL, "orchestrator-url", "",
		"orchestrator internal API base URL (default: CLAWYER_CALLBACK_URL)")
	bridgeCmd.Flags().IntVar(&bridgeMaxTurns, "max-turns", 0,
		"agent turn budget override (default: from the job spec)")
	bridgeCmd.Flags().StringVar(&bridgeModel, "model", "",
		"model override (default: from the job spec)")
}

func runBridge(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	client, err := worker.NewClientFromIdentity(worker.Identity{
		JobID:           bridgeJobID,
		OrchestratorURL: bridgeOrchURL,
	}, logger)
	if err != nil {
		return err
	}

	binary := bridgeBinary
	if binary == "" {
		binary = goutils.Env("CLAWYER_BRIDGE_BINARY", "")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("bridge starting", slog.String("job_id", client.JobID().String()))
	b := worker.NewBridge(client, binary, logger)
	b.MaxTurns = bridgeMaxTurns
	b.Model = bridgeModel
	return b.Run(ctx)
}
