package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lawyered0/cLawyer-sub000/internal/worker"
)

var (
	workerJobID         string
	workerOrchURL       string
	workerMaxIterations int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the generic worker loop inside a sandbox",
	Long: `Runs the generic worker entrypoint inside a provisioned sandbox.
The job identity (CLAWYER_JOB_ID, CLAWYER_WORKER_TOKEN, CLAWYER_CALLBACK_URL)
is injected by the supervisor at provision time; --job-id and
--orchestrator-url override it for manual invocations.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerJobID, "job-id", "",
		"job to work on (default: CLAWYER_JOB_ID)")
	workerCmd.Flags().StringVar(&workerOrchURL, "orchestrator-url", "",
		"orchestrator internal API base URL (default: CLAWYER_CALLBACK_URL)")
	workerCmd.Flags().IntVar(&workerMaxIterations, "max-iterations", 0,
		"iteration budget override (default: from the job spec)")
}

func runWorker(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	client, err := worker.NewClientFromIdentity(worker.Identity{
		JobID:           workerJobID,
		OrchestratorURL: workerOrchURL,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", slog.String("job_id", client.JobID().String()))
	r := worker.NewRunner(client, worker.ExecLoop{}, logger)
	r.MaxIterations = workerMaxIterations
	return r.Run(ctx)
}
