package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pushpals/pushpals/internal/config"
	"github.com/pushpals/pushpals/internal/exec"
	"github.com/pushpals/pushpals/internal/git"
	"github.com/pushpals/pushpals/pkg/models"
)

// clarificationExitCode is what a payload command exits with when the agent
// needs the user to answer a question before it can continue.
const clarificationExitCode = 3

const (
	workerHeartbeatEvery = 5 * time.Second
	logTailLines         = 50
)

var (
	workerServer   string
	workerID       string
	workerRepo     string
	workerStateDir string
	workerPollMs   int
	workerRunner   string
	workerMirror   bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker daemon",
	Long: `Claim jobs from the hub, run each payload in an isolated git
worktree under the state directory, and publish the resulting commit for
the merge daemon to land.

Jobs of kind "command" run their payload command directly. Jobs of kind
"implement" or "review" run the configured --runner command with the
payload exposed via PUSHPALS_JOB_PAYLOAD.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().StringVar(&workerServer, "server", "", "hub server URL")
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id (default hostname)")
	workerCmd.Flags().StringVar(&workerRepo, "repo", "", "path to the git repository")
	workerCmd.Flags().StringVar(&workerStateDir, "state-dir", "", "state directory for worktrees")
	workerCmd.Flags().IntVar(&workerPollMs, "poll-ms", 0, "claim poll interval in milliseconds")
	workerCmd.Flags().StringVar(&workerRunner, "runner", "", "command to run for implement/review jobs")
	workerCmd.Flags().BoolVar(&workerMirror, "mirror-heads", false, "also publish under refs/heads/agent/")
	workerCmd.MarkFlagRequired("repo")
}

// workerDaemon holds the per-process worker state.
type workerDaemon struct {
	id       string
	repo     git.Runner
	api      *apiClient
	runner   *exec.ShellRunner
	stateDir string
	cfg      *config.Config
	logger   *log.Logger
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	id := workerID
	if id == "" {
		id = cfg.Worker.ID
	}
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve worker id: %w", err)
		}
		id = host
	}

	serverURL := workerServer
	if serverURL == "" {
		serverURL = config.ServerURL(cfg)
	}
	pollMs := workerPollMs
	if pollMs <= 0 {
		pollMs = cfg.Client.PollMs
	}
	stateDir := workerStateDir
	if stateDir == "" {
		stateDir = filepath.Join(workerRepo, ".pushpals")
	}

	d := &workerDaemon{
		id:       id,
		repo:     git.NewExecRunner(workerRepo),
		api:      newAPIClient(serverURL, config.ClientToken(cfg)),
		runner:   exec.NewShellRunner(),
		stateDir: stateDir,
		cfg:      cfg,
		logger:   log.New(os.Stderr, "", log.LstdFlags),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d.logger.Printf("[worker] %s polling %s every %dms", id, serverURL, pollMs)

	for {
		if ctx.Err() != nil {
			return nil
		}
		claim, err := d.api.claimJob(ctx, d.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Printf("[worker] claim: %v", err)
		} else if claim != nil {
			d.runJob(ctx, claim)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(pollMs) * time.Millisecond):
		}
	}
}

// runJob executes one claimed job end to end. Failures are reported to the
// hub, never returned: the claim loop must keep going.
func (d *workerDaemon) runJob(ctx context.Context, claim *claimedJob) {
	job := claim.Job
	jobID := claim.Item.ID
	sessionID := claim.Item.SessionID

	d.logger.Printf("[worker] running job %s (%s, priority %s)", jobID, job.Kind, job.Priority)

	if err := d.api.startJob(ctx, jobID); err != nil {
		d.logger.Printf("[worker] mark started: %v", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go d.heartbeatLoop(hbCtx, jobID)

	branch := fmt.Sprintf("agent/%s/%s", d.id, jobID)
	worktree := filepath.Join(d.stateDir, "worktrees", jobID)

	base, command, err := d.resolveJob(job)
	if err != nil {
		d.fail(ctx, jobID, "invalid job payload", err.Error())
		return
	}

	if err := d.repo.Fetch(ctx, d.cfg.Worker.PublishRemote); err != nil {
		d.logger.Printf("[worker] fetch before worktree: %v", err)
	}
	if err := d.repo.WorktreeAdd(ctx, worktree, branch, base); err != nil {
		d.fail(ctx, jobID, "create worktree", err.Error())
		return
	}
	defer d.cleanupWorktree(worktree, branch)

	execBudget := time.Duration(job.ExecutionBudgetMs) * time.Millisecond
	finalBudget := time.Duration(job.FinalizationBudgetMs) * time.Millisecond
	env := []string{
		"PUSHPALS_JOB_ID=" + jobID,
		"PUSHPALS_SESSION_ID=" + sessionID,
		"PUSHPALS_JOB_PAYLOAD=" + string(claim.Item.Payload),
	}

	res, runErr := d.runner.RunBudgeted(ctx, worktree, command, execBudget, finalBudget, env)
	d.publishLogs(ctx, jobID, res)

	switch {
	case res != nil && res.TimedOut:
		d.fail(ctx, jobID, "execution budget exceeded",
			fmt.Sprintf("timed out after %s\n%s", res.Duration.Round(time.Second), exec.Tail(res.Stderr, logTailLines)))
		return
	case runErr != nil:
		d.fail(ctx, jobID, "job command did not run", runErr.Error())
		return
	case res.ExitCode == clarificationExitCode:
		question := strings.TrimSpace(exec.Tail(res.Stdout, 5))
		d.postEvent(ctx, sessionID, models.EventApprovalRequested, map[string]string{
			"job_id": jobID, "question": question,
		})
		d.fail(ctx, jobID, "clarification needed", question)
		return
	case res.ExitCode != 0:
		d.fail(ctx, jobID, fmt.Sprintf("job command exited %d", res.ExitCode),
			exec.Tail(res.Stderr, logTailLines))
		return
	}

	sha, err := d.publishCommit(ctx, worktree, branch, jobID)
	if err != nil {
		d.fail(ctx, jobID, "publish commit", err.Error())
		return
	}

	summary := fmt.Sprintf("job %s finished on %s", jobID, branch)
	if sha == "" {
		summary = fmt.Sprintf("job %s finished with no changes", jobID)
	} else {
		if err := d.api.enqueueCompletion(ctx, sessionID, sha, branch, summary, jobID); err != nil {
			d.fail(ctx, jobID, "enqueue completion", err.Error())
			return
		}
	}
	if err := d.api.completeJob(ctx, jobID, summary, map[string]string{
		"commit": sha, "branch": branch,
	}); err != nil {
		d.logger.Printf("[worker] complete job %s: %v", jobID, err)
		return
	}
	d.logger.Printf("[worker] %s", summary)
}

// resolveJob maps the job payload to a base branch and a shell command.
func (d *workerDaemon) resolveJob(job *models.Job) (base, command string, err error) {
	base = d.cfg.Worker.PublishRemote + "/" + d.cfg.Merge.Branch

	switch job.Kind {
	case models.JobKindCommand:
		var p models.CommandPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", "", fmt.Errorf("decode command payload: %w", err)
		}
		return base, p.Command, nil
	case models.JobKindImplement:
		var p models.ImplementPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return "", "", fmt.Errorf("decode implement payload: %w", err)
		}
		if p.BaseBranch != "" {
			base = d.cfg.Worker.PublishRemote + "/" + p.BaseBranch
		}
		if workerRunner == "" {
			return "", "", fmt.Errorf("no --runner configured for %s jobs", job.Kind)
		}
		return base, workerRunner, nil
	case models.JobKindReview:
		if workerRunner == "" {
			return "", "", fmt.Errorf("no --runner configured for %s jobs", job.Kind)
		}
		return base, workerRunner, nil
	}
	return "", "", fmt.Errorf("unknown job kind %q", job.Kind)
}

// publishCommit stages and commits the worktree, then pushes the result
// under the agent ref namespace. Returns an empty SHA when the job made no
// changes.
func (d *workerDaemon) publishCommit(ctx context.Context, worktree, branch, jobID string) (string, error) {
	wt := git.NewExecRunner(worktree)

	clean, err := wt.IsClean(ctx)
	if err != nil {
		return "", err
	}
	if clean {
		return "", nil
	}
	if err := wt.AddAll(ctx); err != nil {
		return "", err
	}
	sha, err := wt.Commit(ctx, fmt.Sprintf("agent work for job %s", jobID))
	if err != nil {
		return "", err
	}

	remote := d.cfg.Worker.PublishRemote
	publishRef := fmt.Sprintf("refs/pushpals/agent/%s/%s", d.id, jobID)
	if err := wt.Push(ctx, remote, "HEAD:"+publishRef); err != nil {
		return "", err
	}
	if workerMirror {
		if err := wt.Push(ctx, remote, "HEAD:refs/heads/"+branch); err != nil {
			return "", err
		}
	}
	return sha, nil
}

func (d *workerDaemon) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(workerHeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.api.heartbeat(ctx, jobID, d.id, string(models.WorkerBusy)); err != nil && ctx.Err() == nil {
				d.logger.Printf("[worker] heartbeat: %v", err)
			}
		}
	}
}

// publishLogs ships the output tail so the server's activity tracking and
// operators can see what the job did.
func (d *workerDaemon) publishLogs(ctx context.Context, jobID string, res *exec.Result) {
	if res == nil {
		return
	}
	for _, line := range strings.Split(exec.Tail(res.Stdout, logTailLines), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := d.api.appendLog(ctx, jobID, line); err != nil {
			d.logger.Printf("[worker] append log: %v", err)
			return
		}
	}
}

func (d *workerDaemon) fail(ctx context.Context, jobID, message, detail string) {
	d.logger.Printf("[worker] job %s failed: %s", jobID, message)
	if err := d.api.failJob(ctx, jobID, message, detail); err != nil {
		d.logger.Printf("[worker] report failure: %v", err)
	}
}

func (d *workerDaemon) postEvent(ctx context.Context, sessionID string, kind models.EventKind, envelope any) {
	if sessionID == "" {
		return
	}
	if err := d.api.postCommand(ctx, sessionID, kind, envelope); err != nil {
		d.logger.Printf("[worker] post %s: %v", kind, err)
	}
}

func (d *workerDaemon) cleanupWorktree(worktree, branch string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := d.repo.WorktreeRemove(ctx, worktree); err != nil {
		d.logger.Printf("[worker] remove worktree: %v", err)
	}
	if err := d.repo.WorktreePrune(ctx); err != nil {
		d.logger.Printf("[worker] prune worktrees: %v", err)
	}
	if exists, err := d.repo.BranchExists(ctx, branch); err == nil && exists {
		if err := d.repo.DeleteBranch(ctx, branch); err != nil {
			d.logger.Printf("[worker] delete branch %s: %v", branch, err)
		}
	}
}
