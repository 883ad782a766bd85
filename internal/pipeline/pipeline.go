// Package pipeline drives claimed merge jobs through the serial merge state
// machine: sync the integration branch, validate the pinned head, merge into
// a temp branch, run checks, fast-forward, push, clean up. One pass handles
// one job; the daemon loop serializes passes under the state-dir file lock.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/pushpals/pushpals/internal/exec"
	"github.com/pushpals/pushpals/internal/git"
	"github.com/pushpals/pushpals/pkg/models"
)

// MergeStrategy selects how a branch lands on the temp branch.
type MergeStrategy string

const (
	StrategyFFOnly     MergeStrategy = "ff-only"
	StrategyNoFF       MergeStrategy = "no-ff"
	StrategyCherryPick MergeStrategy = "cherry-pick"
)

// Valid reports whether s is a known strategy.
func (s MergeStrategy) Valid() bool {
	switch s {
	case StrategyFFOnly, StrategyNoFF, StrategyCherryPick:
		return true
	}
	return false
}

// DefaultCheckTimeout bounds one check command.
const DefaultCheckTimeout = 5 * time.Minute

// Config is the per-daemon merge configuration.
type Config struct {
	RepoPath         string
	Remote           string
	MainBranch       string
	Strategy         MergeStrategy
	Checks           []string
	CheckTimeout     time.Duration
	DeleteAfterMerge bool
	PushMain         bool
	DryRun           bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Remote == "" {
		out.Remote = "origin"
	}
	if out.MainBranch == "" {
		out.MainBranch = "main"
	}
	if out.Strategy == "" {
		out.Strategy = StrategyNoFF
	}
	if out.CheckTimeout <= 0 {
		out.CheckTimeout = DefaultCheckTimeout
	}
	return out
}

// OutcomeKind classifies how a pipeline pass ended.
type OutcomeKind int

const (
	// OutcomeSuccess advanced the integration branch.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeSkip is a permanent no-op (branch gone, advanced, already
	// merged, or attempts exhausted).
	OutcomeSkip
	// OutcomeRequeue is a transient failure worth another pass.
	OutcomeRequeue
	// OutcomeFailed is a deterministic failure that must not be retried.
	OutcomeFailed
	// OutcomeFatal means the daemon itself is misconfigured or the remote
	// is unreachable; the job stays claimed and the daemon should exit.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkip:
		return "skip"
	case OutcomeRequeue:
		return "requeue"
	case OutcomeFailed:
		return "failed"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the result of one pipeline pass.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Detail    string
	MergedSHA string
}

// Pipeline runs merge passes against a single repository.
type Pipeline struct {
	cfg    Config
	git    git.Runner
	runner exec.CommandRunner
	logger *log.Logger
}

// New creates a pipeline. A nil runner gets a ShellRunner.
func New(cfg Config, g git.Runner, runner exec.CommandRunner, logger *log.Logger) *Pipeline {
	if runner == nil {
		runner = exec.NewShellRunner()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{cfg: cfg.withDefaults(), git: g, runner: runner, logger: logger}
}

// Run drives one claimed merge job through all phases. The temp branch is
// removed on every exit path.
func (p *Pipeline) Run(ctx context.Context, job *models.MergeJob) *Outcome {
	cfg := p.cfg
	remoteMain := cfg.Remote + "/" + cfg.MainBranch
	remoteBranch := cfg.Remote + "/" + job.Branch
	tempBranch := "_merge/" + job.ID

	// When the merge lands but is not pushed, cleanup must not reset the
	// integration branch back to the remote tip, or the advance is lost.
	keepMain := false
	defer func() { p.cleanup(ctx, tempBranch, remoteMain, keepMain) }()

	// Phase 1: reset-clean.
	p.git.MergeAbort(ctx)
	p.git.RebaseAbort(ctx)
	p.git.CherryPickAbort(ctx)
	if _, err := p.git.RevParse(ctx, remoteMain); err != nil {
		return &Outcome{Kind: OutcomeFatal, Reason: "remote-tracking ref missing", Detail: remoteMain}
	}
	if err := p.git.CheckoutNewBranchAt(ctx, cfg.MainBranch, remoteMain); err != nil {
		return &Outcome{Kind: OutcomeFatal, Reason: "reset integration branch", Detail: err.Error()}
	}

	// Phase 2: update-main. Fetch is the network-fragile step; retry it.
	err := withRetry(ctx, transientAttempts, func() error {
		return p.git.Fetch(ctx, cfg.Remote)
	})
	if err != nil {
		return &Outcome{Kind: OutcomeFatal, Reason: "remote unreachable", Detail: err.Error()}
	}
	if err := p.git.ResetHard(ctx, remoteMain); err != nil {
		return &Outcome{Kind: OutcomeFatal, Reason: "sync integration branch", Detail: err.Error()}
	}
	baseSHA, err := p.git.RevParse(ctx, remoteMain)
	if err != nil {
		return &Outcome{Kind: OutcomeFatal, Reason: "resolve integration base", Detail: err.Error()}
	}

	// Phase 3: validate-job-sha.
	tip, err := p.git.RevParse(ctx, remoteBranch)
	if errors.Is(err, git.ErrRefNotFound) {
		return &Outcome{Kind: OutcomeSkip, Reason: "branch deleted", Detail: job.Branch}
	}
	if err != nil {
		return requeueOrSkip(job, "resolve branch tip", err.Error())
	}
	if job.HeadSHA != "" && tip != job.HeadSHA {
		return &Outcome{
			Kind:   OutcomeSkip,
			Reason: "branch advanced",
			Detail: fmt.Sprintf("pinned %s, remote at %s", short(job.HeadSHA), short(tip)),
		}
	}

	// Phase 4: already-merged.
	merged, err := p.git.IsAncestor(ctx, remoteBranch, remoteMain)
	if err != nil {
		return requeueOrSkip(job, "ancestry check", err.Error())
	}
	if merged {
		return &Outcome{Kind: OutcomeSkip, Reason: "already merged"}
	}

	// Phase 5: create-temp-branch.
	if err := p.git.CheckoutNewBranchAt(ctx, tempBranch, remoteMain); err != nil {
		return requeueOrSkip(job, "create temp branch", err.Error())
	}

	// Phase 6: merge-into-temp.
	if out := p.mergeIntoTemp(ctx, job, remoteBranch, remoteMain, baseSHA); out != nil {
		return out
	}

	// Phase 7: run-checks.
	if out := p.runChecks(ctx, job); out != nil {
		return out
	}

	// Phase 8: fast-forward-main.
	if out := p.fastForwardMain(ctx, job, tempBranch, remoteMain); out != nil {
		return out
	}
	mergedSHA, err := p.git.RevParse(ctx, "HEAD")
	if err != nil {
		return requeueOrSkip(job, "resolve merged tip", err.Error())
	}

	if cfg.DryRun {
		p.logger.Printf("[pipeline] dry-run: would push %s to %s", short(mergedSHA), remoteMain)
		return &Outcome{Kind: OutcomeSuccess, Reason: "dry-run", MergedSHA: mergedSHA}
	}

	// Phase 9: push-main.
	if cfg.PushMain {
		if out := p.pushMain(ctx, job, remoteMain); out != nil {
			return out
		}
	} else {
		keepMain = true
	}

	// Phase 10: delete-remote-branch.
	if cfg.DeleteAfterMerge {
		if err := p.git.DeleteRemoteBranch(ctx, cfg.Remote, job.Branch); err != nil {
			// Landing already happened; a leftover branch is not a failure.
			p.logger.Printf("[pipeline] delete remote branch %s: %v", job.Branch, err)
		}
	}

	return &Outcome{Kind: OutcomeSuccess, MergedSHA: mergedSHA}
}

// mergeIntoTemp applies the configured strategy on the temp branch. Returns
// nil on success, a terminal outcome otherwise.
func (p *Pipeline) mergeIntoTemp(ctx context.Context, job *models.MergeJob, remoteBranch, remoteMain, baseSHA string) *Outcome {
	var err error
	switch p.cfg.Strategy {
	case StrategyFFOnly:
		err = p.git.MergeFFOnly(ctx, remoteBranch)
	case StrategyCherryPick:
		err = p.git.CherryPick(ctx, remoteBranch)
	default:
		msg := fmt.Sprintf("Merge branch %q", job.Branch)
		err = p.git.MergeNoFF(ctx, remoteBranch, msg)
	}
	if err == nil {
		return nil
	}

	p.git.MergeAbort(ctx)
	p.git.CherryPickAbort(ctx)

	// A conflict against a base that has since moved may resolve on the
	// next pass. A conflict against an unchanged base never will.
	if fetchErr := p.git.Fetch(ctx, p.cfg.Remote); fetchErr == nil {
		if current, revErr := p.git.RevParse(ctx, remoteMain); revErr == nil && current != baseSHA {
			return requeueOrSkip(job, "base moved during conflict", err.Error())
		}
	}
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		return &Outcome{Kind: OutcomeSkip, Reason: "attempts exhausted", Detail: err.Error()}
	}
	return &Outcome{Kind: OutcomeFailed, Reason: "merge conflict", Detail: err.Error()}
}

// runChecks executes the configured check commands in order, fail-fast.
func (p *Pipeline) runChecks(ctx context.Context, job *models.MergeJob) *Outcome {
	for _, check := range p.cfg.Checks {
		p.logger.Printf("[pipeline] check: %s", check)
		res, err := p.runner.Run(ctx, p.cfg.RepoPath, check, p.cfg.CheckTimeout, nil)
		if err != nil || res.ExitCode != 0 {
			detail := fmt.Sprintf("check %q", check)
			if err != nil {
				detail += ": " + err.Error()
			} else {
				detail += fmt.Sprintf(" exited %d", res.ExitCode)
			}
			if res != nil && res.Stderr != "" {
				detail += "\n" + exec.Tail(res.Stderr, 20)
			}
			if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
				return &Outcome{Kind: OutcomeSkip, Reason: "attempts exhausted", Detail: detail}
			}
			return &Outcome{Kind: OutcomeRequeue, Reason: "check failed", Detail: detail}
		}
	}
	return nil
}

// fastForwardMain lands the validated temp branch on the integration
// branch. FF failure is unexpected since the temp branch was cut from the
// remote tip; one resync retry covers a racing local state, anything past
// that is an invariant violation.
func (p *Pipeline) fastForwardMain(ctx context.Context, job *models.MergeJob, tempBranch, remoteMain string) *Outcome {
	if err := p.git.CheckoutBranch(ctx, p.cfg.MainBranch); err != nil {
		return requeueOrSkip(job, "checkout integration branch", err.Error())
	}
	err := p.git.MergeFFOnly(ctx, tempBranch)
	if err == nil {
		return nil
	}

	if fetchErr := p.git.Fetch(ctx, p.cfg.Remote); fetchErr != nil {
		return requeueOrSkip(job, "resync before ff retry", fetchErr.Error())
	}
	if resetErr := p.git.ResetHard(ctx, remoteMain); resetErr != nil {
		return requeueOrSkip(job, "resync before ff retry", resetErr.Error())
	}
	ancestor, ancErr := p.git.IsAncestor(ctx, p.cfg.MainBranch, tempBranch)
	if ancErr == nil && ancestor {
		if retryErr := p.git.MergeFFOnly(ctx, tempBranch); retryErr == nil {
			return nil
		}
	}
	return &Outcome{
		Kind:   OutcomeFailed,
		Reason: "fast-forward invariant violation",
		Detail: fmt.Sprintf("temp branch %s no longer fast-forwards %s: %v", tempBranch, p.cfg.MainBranch, err),
	}
}

// pushMain pushes the advanced integration branch and disambiguates
// rejections: a remote that moved ahead is a race worth requeueing, anything
// else is auth or permissions.
func (p *Pipeline) pushMain(ctx context.Context, job *models.MergeJob, remoteMain string) *Outcome {
	refspec := p.cfg.MainBranch + ":" + p.cfg.MainBranch
	err := p.git.Push(ctx, p.cfg.Remote, refspec)
	if err == nil {
		return nil
	}

	if fetchErr := p.git.Fetch(ctx, p.cfg.Remote); fetchErr == nil {
		remoteIsAncestor, ancErr := p.git.IsAncestor(ctx, remoteMain, p.cfg.MainBranch)
		if ancErr == nil && !remoteIsAncestor {
			return requeueOrSkip(job, "push rejected, remote ahead", err.Error())
		}
	}
	return &Outcome{Kind: OutcomeFailed, Reason: "push rejected", Detail: err.Error()}
}

// cleanup restores the working tree regardless of how the pass ended.
// keepMain is set when the pass landed a merge that was deliberately not
// pushed: resetting to the remote tip would then throw the merge away.
func (p *Pipeline) cleanup(ctx context.Context, tempBranch, remoteMain string, keepMain bool) {
	p.git.MergeAbort(ctx)
	p.git.RebaseAbort(ctx)
	p.git.CherryPickAbort(ctx)
	if err := p.git.CheckoutBranch(ctx, p.cfg.MainBranch); err != nil {
		p.logger.Printf("[pipeline] cleanup checkout: %v", err)
	}
	if !keepMain {
		if err := p.git.ResetHard(ctx, remoteMain); err != nil {
			p.logger.Printf("[pipeline] cleanup reset: %v", err)
		}
	}
	if exists, err := p.git.BranchExists(ctx, tempBranch); err == nil && exists {
		if err := p.git.DeleteBranch(ctx, tempBranch); err != nil {
			p.logger.Printf("[pipeline] cleanup delete %s: %v", tempBranch, err)
		}
	}
}

// requeueOrSkip downgrades a transient retry to a terminal skip once the
// job has no attempts left, so nothing ever requeues past the cap.
func requeueOrSkip(job *models.MergeJob, reason, detail string) *Outcome {
	if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
		return &Outcome{Kind: OutcomeSkip, Reason: "attempts exhausted", Detail: reason + ": " + detail}
	}
	return &Outcome{Kind: OutcomeRequeue, Reason: reason, Detail: detail}
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// CheckWorkingTree verifies the repository tree is clean before the daemon
// starts mutating it.
func (p *Pipeline) CheckWorkingTree(ctx context.Context) error {
	clean, err := p.git.IsClean(ctx)
	if err != nil {
		return fmt.Errorf("inspect working tree: %w", err)
	}
	if !clean {
		status, _ := p.git.StatusPorcelain(ctx)
		return fmt.Errorf("working tree is dirty:\n%s", strings.TrimSpace(status))
	}
	return nil
}
