package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushpals/pushpals/internal/exec"
	"github.com/pushpals/pushpals/internal/git"
	"github.com/pushpals/pushpals/pkg/models"
)

// fakeGit models just enough of a repository for pipeline passes: a ref
// table, an ancestry relation over SHAs, and scripted failures. The onFetch
// hook runs while the lock is held and may mutate refs directly, which lets
// tests move the remote mid-pass.
type fakeGit struct {
	mu         sync.Mutex
	refs       map[string]string
	remoteRefs map[string]string
	ancestors  map[string]map[string]bool
	current    string
	conflicts  map[string]bool
	pushErr    error
	onFetch    func(g *fakeGit)

	fetches       int
	pushes        []string
	deletedLocal  []string
	deletedRemote []string
}

func newFakeGit() *fakeGit {
	g := &fakeGit{
		refs: map[string]string{
			"origin/main":        "mainsha",
			"main":               "mainsha",
			"origin/agent/w1/j1": "featsha",
		},
		ancestors: map[string]map[string]bool{},
		current:   "main",
		conflicts: map[string]bool{},
	}
	// The feature branch was cut from main.
	g.addAncestors("featsha", "mainsha")
	return g
}

func (g *fakeGit) addAncestors(sha string, ancs ...string) {
	set := g.ancestors[sha]
	if set == nil {
		set = map[string]bool{}
		g.ancestors[sha] = set
	}
	for _, a := range ancs {
		set[a] = true
		for inherited := range g.ancestors[a] {
			set[inherited] = true
		}
	}
}

func (g *fakeGit) resolve(ref string) (string, bool) {
	if ref == "HEAD" {
		ref = g.current
	}
	sha, ok := g.refs[ref]
	return sha, ok
}

func (g *fakeGit) RevParse(ctx context.Context, ref string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sha, ok := g.resolve(ref)
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, git.ErrRefNotFound)
	}
	return sha, nil
}

func (g *fakeGit) RefExists(ctx context.Context, ref string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.resolve(ref)
	return ok, nil
}

func (g *fakeGit) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.resolve(ancestor)
	if !ok {
		return false, fmt.Errorf("%s: %w", ancestor, git.ErrRefNotFound)
	}
	d, ok := g.resolve(descendant)
	if !ok {
		return false, fmt.Errorf("%s: %w", descendant, git.ErrRefNotFound)
	}
	if a == d {
		return true, nil
	}
	return g.ancestors[d][a], nil
}

func (g *fakeGit) ListRemoteRefs(ctx context.Context, remote, prefix string) (map[string]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := map[string]string{}
	for ref, sha := range g.remoteRefs {
		if strings.HasPrefix(ref, prefix) {
			out[ref] = sha
		}
	}
	return out, nil
}

func (g *fakeGit) CurrentBranch(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current, nil
}

func (g *fakeGit) CheckoutBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.refs[name]; !ok {
		return fmt.Errorf("no branch %s", name)
	}
	g.current = name
	return nil
}

func (g *fakeGit) CheckoutNewBranchAt(ctx context.Context, name, startPoint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	sha, ok := g.resolve(startPoint)
	if !ok {
		return fmt.Errorf("no start point %s", startPoint)
	}
	g.refs[name] = sha
	g.current = name
	return nil
}

func (g *fakeGit) DeleteBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.refs, name)
	g.deletedLocal = append(g.deletedLocal, name)
	return nil
}

func (g *fakeGit) BranchExists(ctx context.Context, name string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.refs[name]
	return ok, nil
}

func (g *fakeGit) Fetch(ctx context.Context, remote string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.onFetch != nil {
		g.onFetch(g)
	}
	return nil
}

func (g *fakeGit) PullFFOnly(ctx context.Context) error { return nil }

func (g *fakeGit) Push(ctx context.Context, remote, refspec string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pushErr != nil {
		return g.pushErr
	}
	g.pushes = append(g.pushes, remote+" "+refspec)
	return nil
}

func (g *fakeGit) DeleteRemoteBranch(ctx context.Context, remote, branch string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletedRemote = append(g.deletedRemote, remote+"/"+branch)
	return nil
}

func (g *fakeGit) MergeFFOnly(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	target, ok := g.resolve(ref)
	if !ok {
		return fmt.Errorf("no ref %s", ref)
	}
	cur := g.refs[g.current]
	if cur != target && !g.ancestors[target][cur] {
		return errors.New("not possible to fast-forward")
	}
	g.refs[g.current] = target
	return nil
}

func (g *fakeGit) MergeNoFF(ctx context.Context, ref, message string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conflicts[ref] {
		return errors.New("CONFLICT (content): merge conflict")
	}
	target, ok := g.resolve(ref)
	if !ok {
		return fmt.Errorf("no ref %s", ref)
	}
	cur := g.refs[g.current]
	merged := "merge(" + cur + "+" + target + ")"
	g.addAncestors(merged, cur, target)
	g.refs[g.current] = merged
	return nil
}

func (g *fakeGit) CherryPick(ctx context.Context, ref string) error {
	return g.MergeNoFF(ctx, ref, "")
}

func (g *fakeGit) MergeAbort(ctx context.Context) error      { return nil }
func (g *fakeGit) RebaseAbort(ctx context.Context) error     { return nil }
func (g *fakeGit) CherryPickAbort(ctx context.Context) error { return nil }

func (g *fakeGit) ResetHard(ctx context.Context, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	sha, ok := g.resolve(ref)
	if !ok {
		return fmt.Errorf("no ref %s", ref)
	}
	g.refs[g.current] = sha
	return nil
}

func (g *fakeGit) AddAll(ctx context.Context) error { return nil }

func (g *fakeGit) Commit(ctx context.Context, message string) (string, error) {
	return "", errors.New("not supported")
}

func (g *fakeGit) StatusPorcelain(ctx context.Context) (string, error) { return "", nil }
func (g *fakeGit) IsClean(ctx context.Context) (bool, error)           { return true, nil }

func (g *fakeGit) WorktreeAdd(ctx context.Context, path, branch, startPoint string) error {
	return nil
}
func (g *fakeGit) WorktreeRemove(ctx context.Context, path string) error { return nil }
func (g *fakeGit) WorktreePrune(ctx context.Context) error               { return nil }
func (g *fakeGit) RepoPath() string                                      { return "/tmp/fake" }

var _ git.Runner = (*fakeGit)(nil)

// fakeRunner returns a scripted exit code for every check command.
type fakeRunner struct {
	exit  int
	calls []string
}

func (r *fakeRunner) Run(ctx context.Context, dir, command string, timeout time.Duration, env []string) (*exec.Result, error) {
	r.calls = append(r.calls, command)
	return &exec.Result{ExitCode: r.exit, Stderr: "check output"}, nil
}

func testMergeJob() *models.MergeJob {
	job := &models.MergeJob{
		Remote:  "origin",
		Branch:  "agent/w1/j1",
		HeadSHA: "featsha",
	}
	job.ID = "j1"
	job.Attempts = 1
	job.MaxAttempts = 5
	return job
}

func testPipeline(g *fakeGit, cfg Config) *Pipeline {
	if cfg.MainBranch == "" {
		cfg.MainBranch = "main"
	}
	cfg.PushMain = true
	return New(cfg, g, &fakeRunner{}, log.New(io.Discard, "", 0))
}

func TestRun_CleanMerge(t *testing.T) {
	g := newFakeGit()
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSuccess, out.Kind, "reason: %s detail: %s", out.Reason, out.Detail)
	assert.Equal(t, "merge(mainsha+featsha)", out.MergedSHA)
	assert.Equal(t, []string{"origin main:main"}, g.pushes)

	// The temp branch must not survive the pass.
	exists, _ := g.BranchExists(context.Background(), "_merge/j1")
	assert.False(t, exists, "temp branch left behind")
}

func TestRun_DeleteAfterMerge(t *testing.T) {
	g := newFakeGit()
	p := testPipeline(g, Config{DeleteAfterMerge: true})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, []string{"origin/agent/w1/j1"}, g.deletedRemote)
}

func TestRun_DryRunSkipsPush(t *testing.T) {
	g := newFakeGit()
	p := testPipeline(g, Config{DryRun: true})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "dry-run", out.Reason)
	assert.NotEmpty(t, out.MergedSHA)
	assert.Empty(t, g.pushes, "dry run must not push")
}

func TestRun_BranchDeleted(t *testing.T) {
	g := newFakeGit()
	delete(g.refs, "origin/agent/w1/j1")
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "branch deleted", out.Reason)
	assert.Empty(t, g.pushes)
}

func TestRun_BranchAdvanced(t *testing.T) {
	g := newFakeGit()
	g.refs["origin/agent/w1/j1"] = "newersha"
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "branch advanced", out.Reason)
	assert.Contains(t, out.Detail, "featsha")
	assert.Contains(t, out.Detail, "newersha")
}

func TestRun_AlreadyMerged(t *testing.T) {
	g := newFakeGit()
	g.addAncestors("mainsha", "featsha")
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "already merged", out.Reason)
	assert.Empty(t, g.pushes)
}

func TestRun_DeterministicConflict(t *testing.T) {
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "merge conflict", out.Reason)
}

func TestRun_ConflictWithMovedBase(t *testing.T) {
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	// The first fetch syncs the pass; the conflict-triggered fetch finds
	// that someone else advanced the integration branch.
	g.onFetch = func(g *fakeGit) {
		if g.fetches >= 2 {
			g.refs["origin/main"] = "mainsha2"
		}
	}
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeRequeue, out.Kind)
	assert.Equal(t, "base moved during conflict", out.Reason)
}

func TestRun_ConflictAttemptsExhausted(t *testing.T) {
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	p := testPipeline(g, Config{})

	job := testMergeJob()
	job.Attempts = 5

	out := p.Run(context.Background(), job)

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "attempts exhausted", out.Reason)
}

func TestRun_CheckFailureRequeues(t *testing.T) {
	g := newFakeGit()
	runner := &fakeRunner{exit: 1}
	p := New(Config{MainBranch: "main", PushMain: true, Checks: []string{"make test"}},
		g, runner, log.New(io.Discard, "", 0))

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeRequeue, out.Kind)
	assert.Equal(t, "check failed", out.Reason)
	assert.Contains(t, out.Detail, "make test")
	assert.Equal(t, []string{"make test"}, runner.calls)
	assert.Empty(t, g.pushes, "failed checks must not push")
}

func TestRun_CheckFailureAtAttemptCap(t *testing.T) {
	g := newFakeGit()
	p := New(Config{MainBranch: "main", PushMain: true, Checks: []string{"make test"}},
		g, &fakeRunner{exit: 1}, log.New(io.Discard, "", 0))

	job := testMergeJob()
	job.Attempts = 5

	out := p.Run(context.Background(), job)

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "attempts exhausted", out.Reason)
}

func TestRun_ChecksPassInOrder(t *testing.T) {
	g := newFakeGit()
	runner := &fakeRunner{}
	p := New(Config{MainBranch: "main", PushMain: true, Checks: []string{"make lint", "make test"}},
		g, runner, log.New(io.Discard, "", 0))

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, []string{"make lint", "make test"}, runner.calls)
}

func TestRun_PushRejectedRemoteAhead(t *testing.T) {
	g := newFakeGit()
	g.pushErr = errors.New("failed to push some refs (fetch first)")
	// The post-rejection fetch discovers an unrelated head on the remote.
	g.onFetch = func(g *fakeGit) {
		if g.fetches >= 2 {
			g.refs["origin/main"] = "someoneelsesha"
		}
	}
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeRequeue, out.Kind)
	assert.Equal(t, "push rejected, remote ahead", out.Reason)
}

func TestRun_PushRejectedHard(t *testing.T) {
	g := newFakeGit()
	g.pushErr = errors.New("remote: permission denied")
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "push rejected", out.Reason)
}

func TestRun_MissingRemoteTrackingRefIsFatal(t *testing.T) {
	g := newFakeGit()
	delete(g.refs, "origin/main")
	p := testPipeline(g, Config{})

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeFatal, out.Kind)
}

func TestRun_NoPushMain(t *testing.T) {
	g := newFakeGit()
	p := New(Config{MainBranch: "main"}, g, &fakeRunner{}, log.New(io.Discard, "", 0))

	out := p.Run(context.Background(), testMergeJob())

	require.Equal(t, OutcomeSuccess, out.Kind)
	assert.Empty(t, g.pushes)
	// The unpushed advance must survive cleanup.
	assert.Equal(t, "merge(mainsha+featsha)", g.refs["main"],
		"local integration branch lost the merge")
	exists, _ := g.BranchExists(context.Background(), "_merge/j1")
	assert.False(t, exists, "temp branch left behind")
}

func TestRun_PushRaceAtAttemptCap(t *testing.T) {
	g := newFakeGit()
	g.pushErr = errors.New("failed to push some refs (fetch first)")
	g.onFetch = func(g *fakeGit) {
		if g.fetches >= 2 {
			g.refs["origin/main"] = "someoneelsesha"
		}
	}
	p := testPipeline(g, Config{})

	job := testMergeJob()
	job.Attempts = 5

	out := p.Run(context.Background(), job)

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "attempts exhausted", out.Reason)
	assert.Contains(t, out.Detail, "push rejected, remote ahead")
}

func TestRun_MovedBaseConflictAtAttemptCap(t *testing.T) {
	g := newFakeGit()
	g.conflicts["origin/agent/w1/j1"] = true
	g.onFetch = func(g *fakeGit) {
		if g.fetches >= 2 {
			g.refs["origin/main"] = "mainsha2"
		}
	}
	p := testPipeline(g, Config{})

	job := testMergeJob()
	job.Attempts = 5

	out := p.Run(context.Background(), job)

	require.Equal(t, OutcomeSkip, out.Kind)
	assert.Equal(t, "attempts exhausted", out.Reason)
	assert.Contains(t, out.Detail, "base moved during conflict")
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	assert.Equal(t, "origin", cfg.Remote)
	assert.Equal(t, "main", cfg.MainBranch)
	assert.Equal(t, StrategyNoFF, cfg.Strategy)
	assert.Equal(t, DefaultCheckTimeout, cfg.CheckTimeout)
}

func TestMergeStrategyValid(t *testing.T) {
	for _, s := range []MergeStrategy{StrategyFFOnly, StrategyNoFF, StrategyCherryPick} {
		assert.True(t, s.Valid(), "%s", s)
	}
	assert.False(t, MergeStrategy("rebase").Valid())
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "skip", OutcomeSkip.String())
	assert.Equal(t, "requeue", OutcomeRequeue.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "fatal", OutcomeFatal.String())
}
