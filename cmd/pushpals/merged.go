package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/git"
	"github.com/pushpals/pushpals/internal/lockfile"
	"github.com/pushpals/pushpals/internal/pipeline"
	"github.com/pushpals/pushpals/internal/queue"
	"github.com/pushpals/pushpals/internal/state"
)

const (
	exitFatal   = 1
	exitSIGINT  = 130
	exitSIGTERM = 143
)

var (
	mergedConfigPath string
	mergedRepo       string
	mergedRemote     string
	mergedBranch     string
	mergedPrefix     string
	mergedInterval   int
	mergedStateDir   string
	mergedDelete     bool
	mergedDryRun     bool
	mergedSkipClean  bool
	mergedStrategy   string
	mergedChecks     []string
	mergedUseServer  bool
	mergedServerURL  string
	mergedOwnerID    string
	mergedNoPushMain bool
)

var mergedCmd = &cobra.Command{
	Use:   "merged",
	Short: "Run the serial merge daemon",
	Long: `Discover published agent commits and merge them serially onto the
integration branch: fetch, validate the pinned head, merge into a temp
branch, run checks, fast-forward, push. One merge at a time, protected by
a file lock in the state directory.

Candidates come from polling the remote for agent refs, and optionally
from claiming completions off the hub server (--server-source).`,
	RunE: runMerged,
}

func init() {
	mergedCmd.Flags().StringVar(&mergedConfigPath, "config", "", "path to config file")
	mergedCmd.Flags().StringVar(&mergedRepo, "repo", "", "path to the git repository")
	mergedCmd.Flags().StringVar(&mergedRemote, "remote", "", "remote name")
	mergedCmd.Flags().StringVar(&mergedBranch, "branch", "", "integration branch")
	mergedCmd.Flags().StringVar(&mergedPrefix, "prefix", "", "ref prefix to poll for agent branches")
	mergedCmd.Flags().IntVar(&mergedInterval, "interval", 0, "poll interval in seconds")
	mergedCmd.Flags().StringVar(&mergedStateDir, "state-dir", "", "daemon state directory")
	mergedCmd.Flags().BoolVar(&mergedDelete, "delete-after-merge", false, "delete the remote branch after a successful merge")
	mergedCmd.Flags().BoolVar(&mergedDryRun, "dry-run", false, "merge and check but do not push")
	mergedCmd.Flags().BoolVar(&mergedSkipClean, "skip-clean-check", false, "skip the dirty working tree check at startup")
	mergedCmd.Flags().StringVar(&mergedStrategy, "strategy", "", "merge strategy: ff-only, no-ff, cherry-pick")
	mergedCmd.Flags().StringSliceVar(&mergedChecks, "check", nil, "check command to run before landing (repeatable)")
	mergedCmd.Flags().BoolVar(&mergedUseServer, "server-source", false, "also claim completions from the hub server")
	mergedCmd.Flags().StringVar(&mergedServerURL, "server", "", "hub server URL for --server-source")
	mergedCmd.Flags().StringVar(&mergedOwnerID, "owner", "merged", "claim owner id")
	mergedCmd.Flags().BoolVar(&mergedNoPushMain, "no-push-main", false, "advance the integration branch locally only (by default merged pushes it after every merge)")
}

func runMerged(cmd *cobra.Command, args []string) error {
	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	applyMergedFlags(cmd, cfg)

	if cfg.Merge.Repo == "" {
		return fmt.Errorf("--repo is required")
	}
	strategy := pipeline.MergeStrategy(cfg.Merge.Strategy)
	if !strategy.Valid() {
		return fmt.Errorf("unknown merge strategy %q", cfg.Merge.Strategy)
	}

	stateDir := cfg.Merge.StateDir
	if stateDir == "" {
		stateDir = filepath.Join(state.DefaultDataDir(), "merged")
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	lock, err := lockfile.Acquire(filepath.Join(stateDir, "lock"))
	if err != nil {
		logger.Printf("[merged] %v", err)
		os.Exit(exitFatal)
	}
	defer lock.Release()

	db, err := state.Open(state.MergeDBPath(stateDir))
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	engine := queue.New(db, queue.Merges)

	runner := git.NewExecRunner(cfg.Merge.Repo)
	p := pipeline.New(pipeline.Config{
		RepoPath:         cfg.Merge.Repo,
		Remote:           cfg.Merge.Remote,
		MainBranch:       cfg.Merge.Branch,
		Strategy:         strategy,
		Checks:           cfg.Merge.Checks,
		CheckTimeout:     cfg.Merge.CheckTimeout,
		DeleteAfterMerge: cfg.Merge.DeleteAfterMerge,
		PushMain:         cfg.Merge.PushMain,
		DryRun:           mergedDryRun,
	}, runner, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := prepareRepo(ctx, cfg, runner, p, logger); err != nil {
		logger.Printf("[merged] %v", err)
		os.Exit(exitFatal)
	}

	sources := []pipeline.CompletionSource{
		pipeline.NewRemotePoller(runner, cfg.Merge.Remote, cfg.Merge.Prefix),
	}
	if mergedUseServer {
		serverURL := mergedServerURL
		if serverURL == "" {
			serverURL = config.ServerURL(cfg)
		}
		sources = append(sources, pipeline.NewServerSource(
			serverURL, config.ClientToken(cfg), mergedOwnerID, cfg.Merge.Remote))
	}

	daemon := pipeline.NewDaemon(engine, p, sources, cfg.Merge.Interval, mergedOwnerID, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Run(ctx) }()

	var sig os.Signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Printf("[merged] %v", err)
			lock.Release()
			os.Exit(exitFatal)
		}
		return nil
	case sig = <-sigCh:
	}

	logger.Printf("[merged] received %s, draining", sig)
	cancel()
	select {
	case <-errCh:
	case <-time.After(30 * time.Second):
		logger.Printf("[merged] drain timed out")
	}
	lock.Release()

	if sig == syscall.SIGTERM {
		os.Exit(exitSIGTERM)
	}
	os.Exit(exitSIGINT)
	return nil
}

func loadMergedConfig() (*config.Config, error) {
	if mergedConfigPath != "" {
		return config.LoadFromPath(mergedConfigPath)
	}
	return config.Load()
}

// applyMergedFlags lets explicit flags override the config file.
func applyMergedFlags(cmd *cobra.Command, cfg *config.Config) {
	if mergedRepo != "" {
		cfg.Merge.Repo = mergedRepo
	}
	if mergedRemote != "" {
		cfg.Merge.Remote = mergedRemote
	}
	if mergedBranch != "" {
		cfg.Merge.Branch = mergedBranch
	}
	if mergedPrefix != "" {
		cfg.Merge.Prefix = mergedPrefix
	}
	if mergedInterval > 0 {
		cfg.Merge.Interval = time.Duration(mergedInterval) * time.Second
	}
	if mergedStateDir != "" {
		cfg.Merge.StateDir = mergedStateDir
	}
	if mergedStrategy != "" {
		cfg.Merge.Strategy = mergedStrategy
	}
	if len(mergedChecks) > 0 {
		cfg.Merge.Checks = mergedChecks
	}
	if cmd.Flags().Changed("delete-after-merge") {
		cfg.Merge.DeleteAfterMerge = mergedDelete
	}
	if cmd.Flags().Changed("skip-clean-check") {
		cfg.Merge.SkipCleanCheck = mergedSkipClean
	}
	if cmd.Flags().Changed("no-push-main") {
		cfg.Merge.PushMain = !mergedNoPushMain
	}
}

// prepareRepo verifies the working tree and integration branch before the
// daemon starts mutating the repository.
func prepareRepo(ctx context.Context, cfg *config.Config, runner git.Runner, p *pipeline.Pipeline, logger *log.Logger) error {
	if !cfg.Merge.SkipCleanCheck {
		if err := p.CheckWorkingTree(ctx); err != nil {
			return err
		}
	} else {
		logger.Printf("[merged] skipping clean working tree check")
	}

	if err := runner.Fetch(ctx, cfg.Merge.Remote); err != nil {
		return fmt.Errorf("initial fetch: %w", err)
	}

	remoteMain := cfg.Merge.Remote + "/" + cfg.Merge.Branch
	exists, err := runner.RefExists(ctx, remoteMain)
	if err != nil {
		return err
	}
	if !exists {
		if !cfg.Merge.AutoCreateMainBranch {
			return fmt.Errorf("integration branch %s does not exist on %s (set SERIAL_PUSHER_AUTO_CREATE_MAIN_BRANCH to create it)",
				cfg.Merge.Branch, cfg.Merge.Remote)
		}
		logger.Printf("[merged] creating integration branch %s on %s", cfg.Merge.Branch, cfg.Merge.Remote)
		if err := runner.Push(ctx, cfg.Merge.Remote, "HEAD:refs/heads/"+cfg.Merge.Branch); err != nil {
			return fmt.Errorf("create integration branch: %w", err)
		}
		if err := runner.Fetch(ctx, cfg.Merge.Remote); err != nil {
			return fmt.Errorf("fetch after branch create: %w", err)
		}
	}
	return nil
}
