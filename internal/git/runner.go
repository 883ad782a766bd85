package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrRefNotFound is returned when a ref does not resolve.
var ErrRefNotFound = errors.New("ref not found")

// DefaultCommandTimeout bounds a single git subprocess. Network operations
// (fetch, push, ls-remote) get NetworkCommandTimeout instead.
const (
	DefaultCommandTimeout = 30 * time.Second
	NetworkCommandTimeout = 2 * time.Minute
)

// ExecRunner shells out to the git binary in a fixed repository directory.
type ExecRunner struct {
	repoPath string
}

// NewExecRunner creates a runner rooted at repoPath.
func NewExecRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// RepoPath returns the repository working directory.
func (r *ExecRunner) RepoPath() string {
	return r.repoPath
}

// run executes a git command and returns trimmed stdout. Stderr is folded
// into the error for diagnostics.
func (r *ExecRunner) run(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// runOK executes a git command and reports only success or failure.
func (r *ExecRunner) runOK(ctx context.Context, timeout time.Duration, args ...string) error {
	_, err := r.run(ctx, timeout, args...)
	return err
}

func (r *ExecRunner) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := r.run(ctx, DefaultCommandTimeout, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	return out, nil
}

func (r *ExecRunner) RefExists(ctx context.Context, ref string) (bool, error) {
	_, err := r.RevParse(ctx, ref)
	if errors.Is(err, ErrRefNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ExecRunner) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s: %w", ancestor, descendant, err)
}

func (r *ExecRunner) ListRemoteRefs(ctx context.Context, remote, prefix string) (map[string]string, error) {
	out, err := r.run(ctx, NetworkCommandTimeout, "ls-remote", remote, prefix+"*")
	if err != nil {
		return nil, err
	}
	refs := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		refs[fields[1]] = fields[0]
	}
	return refs, nil
}

func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, DefaultCommandTimeout, "rev-parse", "--abbrev-ref", "HEAD")
}

func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "checkout", name)
}

func (r *ExecRunner) CheckoutNewBranchAt(ctx context.Context, name, startPoint string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "checkout", "-B", name, startPoint)
}

func (r *ExecRunner) DeleteBranch(ctx context.Context, name string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "branch", "-D", name)
}

func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.repoPath
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("git show-ref %s: %w", name, err)
}

func (r *ExecRunner) Fetch(ctx context.Context, remote string) error {
	return r.runOK(ctx, NetworkCommandTimeout, "fetch", "--prune", remote)
}

func (r *ExecRunner) PullFFOnly(ctx context.Context) error {
	return r.runOK(ctx, NetworkCommandTimeout, "pull", "--ff-only")
}

func (r *ExecRunner) Push(ctx context.Context, remote, refspec string) error {
	return r.runOK(ctx, NetworkCommandTimeout, "push", "--atomic", remote, refspec)
}

func (r *ExecRunner) DeleteRemoteBranch(ctx context.Context, remote, branch string) error {
	return r.runOK(ctx, NetworkCommandTimeout, "push", remote, "--delete", branch)
}

func (r *ExecRunner) MergeFFOnly(ctx context.Context, ref string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "merge", "--ff-only", ref)
}

func (r *ExecRunner) MergeNoFF(ctx context.Context, ref, message string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "merge", "--no-ff", "-m", message, ref)
}

func (r *ExecRunner) CherryPick(ctx context.Context, ref string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "cherry-pick", "HEAD.."+ref)
}

// MergeAbort is tolerant: aborting when no merge is in progress is not an
// error, because the pipeline calls it unconditionally during cleanup.
func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	_ = r.runOK(ctx, DefaultCommandTimeout, "merge", "--abort")
	return nil
}

func (r *ExecRunner) RebaseAbort(ctx context.Context) error {
	_ = r.runOK(ctx, DefaultCommandTimeout, "rebase", "--abort")
	return nil
}

func (r *ExecRunner) CherryPickAbort(ctx context.Context) error {
	_ = r.runOK(ctx, DefaultCommandTimeout, "cherry-pick", "--abort")
	return nil
}

func (r *ExecRunner) ResetHard(ctx context.Context, ref string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "reset", "--hard", ref)
}

func (r *ExecRunner) AddAll(ctx context.Context) error {
	return r.runOK(ctx, DefaultCommandTimeout, "add", "-A")
}

func (r *ExecRunner) Commit(ctx context.Context, message string) (string, error) {
	if err := r.runOK(ctx, DefaultCommandTimeout, "commit", "-m", message); err != nil {
		return "", err
	}
	return r.run(ctx, DefaultCommandTimeout, "rev-parse", "HEAD")
}

func (r *ExecRunner) StatusPorcelain(ctx context.Context) (string, error) {
	return r.run(ctx, DefaultCommandTimeout, "status", "--porcelain")
}

func (r *ExecRunner) IsClean(ctx context.Context) (bool, error) {
	out, err := r.StatusPorcelain(ctx)
	if err != nil {
		return false, err
	}
	return out == "", nil
}

func (r *ExecRunner) WorktreeAdd(ctx context.Context, path, branch, startPoint string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "worktree", "add", "-b", branch, path, startPoint)
}

func (r *ExecRunner) WorktreeRemove(ctx context.Context, path string) error {
	return r.runOK(ctx, DefaultCommandTimeout, "worktree", "remove", "--force", path)
}

func (r *ExecRunner) WorktreePrune(ctx context.Context) error {
	return r.runOK(ctx, DefaultCommandTimeout, "worktree", "prune")
}
