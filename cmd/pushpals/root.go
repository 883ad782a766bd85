package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "pushpals",
	Short: "Durable coordination hub for multi-agent coding",
	Long: `pushpals is the coordination core of a self-hostable multi-agent
coding orchestrator: a persistent event hub with cursor replay, durable
queues with atomic claims and stale-claim recovery, and a serial merge
daemon that lands worker commits onto a linear integration history.

Daemons:
  serve    the hub server (sessions, events, queues) over HTTP
  worker   claims jobs, runs them in isolated worktrees, publishes commits
  merged   discovers published commits and merges them serially
  status   queue counts and SLO summary for a running deployment`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(mergedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	Execute()
}
