// Package git provides an interface for the git operations the merge
// pipeline and worker checkouts rely on. All operations take a context so
// the daemons can bound every subprocess with a timeout.
package git

import "context"

// RefOperations covers ref resolution and ancestry queries.
type RefOperations interface {
	// RevParse resolves a ref to a full SHA. Returns ErrRefNotFound when
	// the ref does not exist.
	RevParse(ctx context.Context, ref string) (string, error)
	// RefExists returns true if the ref resolves.
	RefExists(ctx context.Context, ref string) (bool, error)
	// IsAncestor returns true if ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	// ListRemoteRefs maps refname to sha for remote refs matching the given
	// prefix, via ls-remote.
	ListRemoteRefs(ctx context.Context, remote, prefix string) (map[string]string, error)
}

// BranchOperations covers local branch manipulation.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch(ctx context.Context) (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(ctx context.Context, name string) error
	// CheckoutNewBranchAt creates (or resets) a branch at the start point
	// and switches to it (git checkout -B).
	CheckoutNewBranchAt(ctx context.Context, name, startPoint string) error
	// DeleteBranch force-deletes a local branch.
	DeleteBranch(ctx context.Context, name string) error
	// BranchExists returns true if the local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)
}

// SyncOperations covers remote synchronization.
type SyncOperations interface {
	// Fetch updates remote-tracking refs, pruning deleted branches.
	Fetch(ctx context.Context, remote string) error
	// PullFFOnly fast-forwards the current branch from its upstream;
	// fails rather than creating a merge commit.
	PullFFOnly(ctx context.Context) error
	// Push pushes a local ref to a remote ref atomically.
	Push(ctx context.Context, remote, refspec string) error
	// DeleteRemoteBranch deletes a branch on the remote.
	DeleteRemoteBranch(ctx context.Context, remote, branch string) error
}

// MergeOperations covers the merge-into-temp strategies and their cleanup.
type MergeOperations interface {
	// MergeFFOnly fast-forwards the current branch to the ref.
	MergeFFOnly(ctx context.Context, ref string) error
	// MergeNoFF merges the ref with a merge commit.
	MergeNoFF(ctx context.Context, ref, message string) error
	// CherryPick applies the commits of ref not in HEAD.
	CherryPick(ctx context.Context, ref string) error
	// MergeAbort aborts an in-progress merge; nil when none is running.
	MergeAbort(ctx context.Context) error
	// RebaseAbort aborts an in-progress rebase; nil when none is running.
	RebaseAbort(ctx context.Context) error
	// CherryPickAbort aborts an in-progress cherry-pick; nil when none.
	CherryPickAbort(ctx context.Context) error
	// ResetHard hard-resets the working tree to the ref.
	ResetHard(ctx context.Context, ref string) error
}

// CommitOperations covers staging and committing work.
type CommitOperations interface {
	// AddAll stages every change in the working tree.
	AddAll(ctx context.Context) error
	// Commit records staged changes. Returns the new commit SHA.
	Commit(ctx context.Context, message string) (string, error)
}

// StatusOperations covers working-tree inspection.
type StatusOperations interface {
	// StatusPorcelain returns git status --porcelain output.
	StatusPorcelain(ctx context.Context) (string, error)
	// IsClean returns true when the working tree has no changes.
	IsClean(ctx context.Context) (bool, error)
}

// WorktreeOperations covers isolated checkouts for workers.
type WorktreeOperations interface {
	// WorktreeAdd creates a worktree at path with a new branch at the
	// start point.
	WorktreeAdd(ctx context.Context, path, branch, startPoint string) error
	// WorktreeRemove force-removes the worktree at path.
	WorktreeRemove(ctx context.Context, path string) error
	// WorktreePrune removes stale worktree bookkeeping.
	WorktreePrune(ctx context.Context) error
}

// Runner is the full git surface the daemons consume.
type Runner interface {
	RefOperations
	BranchOperations
	SyncOperations
	MergeOperations
	CommitOperations
	StatusOperations
	WorktreeOperations

	// RepoPath returns the repository working directory.
	RepoPath() string
}
