package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/internal/worker"
	"github.com/pushpals/pushpals/pkg/models"
)

var (
	statusDataDir string
	statusWindow  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue counts and SLO summary",
	Long: `Display the state of a local hub deployment.

Shows:
  - Per-queue counts by status
  - Pending jobs by priority
  - SLO summary over the window (success rate, timeout rate, latencies)
  - Registered workers and their freshness`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusDataDir, "data-dir", "", "state directory (default XDG data dir)")
	statusCmd.Flags().IntVar(&statusWindow, "window", 24, "SLO window in hours")
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir := statusDataDir
	if dataDir == "" {
		dataDir = state.DefaultDataDir()
	}
	dbPath := state.ServerDBPath(dataDir)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Println("No hub state found. Run 'pushpals serve' to start one.")
		return nil
	}

	db, err := state.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	for _, name := range []queue.Name{queue.Requests, queue.Jobs, queue.Completions} {
		if err := displayQueue(queue.New(db, name)); err != nil {
			return err
		}
	}

	jobs := queue.New(db, queue.Jobs)
	if err := displayPriorities(jobs); err != nil {
		return err
	}
	if err := displaySLO(jobs); err != nil {
		return err
	}
	return displayWorkers(worker.NewRegistry(db, 0))
}

func displayQueue(e *queue.Engine) error {
	counts, err := e.CountsByStatus()
	if err != nil {
		return fmt.Errorf("counts for %s: %w", e.Name(), err)
	}
	fmt.Printf("%s\n", color.New(color.Bold).Sprintf("%s", e.Name()))
	fmt.Printf("  pending %d  claimed %d  completed %s  failed %s",
		counts.Pending, counts.Claimed,
		color.GreenString("%d", counts.Completed),
		failedString(counts.Failed))
	if counts.Skipped > 0 {
		fmt.Printf("  skipped %s", color.YellowString("%d", counts.Skipped))
	}
	fmt.Println()
	return nil
}

func failedString(n int) string {
	if n == 0 {
		return "0"
	}
	return color.RedString("%d", n)
}

func displayPriorities(jobs *queue.Engine) error {
	byPriority, err := jobs.CountsByPriority()
	if err != nil {
		return fmt.Errorf("counts by priority: %w", err)
	}
	fmt.Println("\nActive jobs by priority")
	for _, p := range []models.Priority{models.PriorityInteractive, models.PriorityNormal, models.PriorityBackground} {
		fmt.Printf("  %-12s %d\n", p, byPriority[p])
	}
	return nil
}

func displaySLO(jobs *queue.Engine) error {
	slo, err := jobs.SLOSummaryWindow(statusWindow)
	if err != nil {
		return fmt.Errorf("slo summary: %w", err)
	}
	fmt.Printf("\nSLO (last %dh)\n", slo.WindowHours)
	if slo.Terminal == 0 {
		fmt.Println("  no terminal jobs in window")
		return nil
	}
	successStr := color.GreenString("%.1f%%", slo.SuccessRate*100)
	if slo.SuccessRate < 0.9 {
		successStr = color.RedString("%.1f%%", slo.SuccessRate*100)
	}
	fmt.Printf("  terminal %d  success %s  timeouts %s\n",
		slo.Terminal, successStr, color.YellowString("%.1f%%", slo.TimeoutRate*100))
	fmt.Printf("  duration p50 %s  p95 %s  avg %s\n",
		formatMs(slo.DurationMsP50), formatMs(slo.DurationMsP95), formatMs(slo.DurationMsAvg))
	fmt.Printf("  queue wait p50 %s  p95 %s  avg %s\n",
		formatMs(slo.QueueWaitMsP50), formatMs(slo.QueueWaitMsP95), formatMs(slo.QueueWaitMsAvg))
	return nil
}

func displayWorkers(registry *worker.Registry) error {
	workers, err := registry.List()
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	fmt.Println("\nWorkers")
	if len(workers) == 0 {
		fmt.Println("  none registered")
		return nil
	}
	now := time.Now()
	for _, w := range workers {
		marker := color.GreenString("●")
		if !w.Online(now, registry.TTL()) {
			marker = color.RedString("●")
		}
		fmt.Printf("  %s %-20s %-8s last seen %s ago\n",
			marker, w.ID, w.Status, formatDuration(now.Sub(w.LastHeartbeat)))
	}
	return nil
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}
