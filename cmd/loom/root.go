package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Task orchestration engine for autonomous coding agents",
	Long: `Loom takes a high-level request, decomposes it into a tree of task
nodes, and drives each node through an agentic turn loop against a
language model.

Core capabilities:
- Resolves the task tree parent-first with bounded sibling parallelism
- Retries timed-out nodes with exponential backoff
- Checkpoints every node at each turn boundary
- Suspends a node to ask the user a question and resumes on the answer`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
