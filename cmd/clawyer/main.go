// cLawyer — sandboxed agentic job orchestration.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "clawyer",
	Short: "cLawyer — orchestrator for sandboxed agentic jobs.",
	Long: `cLawyer runs agentic jobs inside locked-down Docker sandboxes.
Every sandbox egresses through an allowlisting proxy that injects
credentials in transit, so the agent never sees a secret. The same
binary is the orchestrator (server), the in-sandbox worker, and the
coding-agent bridge.`,
	RunE:          runServer, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serverCmd, workerCmd, bridgeCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
