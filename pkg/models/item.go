package models

import (
	"encoding/json"
	"time"
)

// ItemStatus represents the lifecycle state of a queue item.
// Transitions: pending -> claimed -> {completed, failed, skipped};
// failed/skipped may return to pending while attempts < max attempts.
type ItemStatus string

const (
	// StatusPending indicates the item is waiting to be claimed.
	StatusPending ItemStatus = "pending"
	// StatusClaimed indicates an owner is working on the item.
	StatusClaimed ItemStatus = "claimed"
	// StatusCompleted indicates terminal success.
	StatusCompleted ItemStatus = "completed"
	// StatusFailed indicates terminal failure.
	StatusFailed ItemStatus = "failed"
	// StatusSkipped indicates the item was deliberately not processed
	// (merge queue only: branch gone, already merged, attempts exhausted).
	StatusSkipped ItemStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s ItemStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Priority is the scheduling tier of a job.
type Priority string

const (
	// PriorityInteractive is for jobs a user is actively waiting on.
	PriorityInteractive Priority = "interactive"
	// PriorityNormal is the default tier.
	PriorityNormal Priority = "normal"
	// PriorityBackground is for deferred maintenance work.
	PriorityBackground Priority = "background"
)

// Valid returns true if the priority is a known value.
func (p Priority) Valid() bool {
	switch p {
	case PriorityInteractive, PriorityNormal, PriorityBackground:
		return true
	default:
		return false
	}
}

// Rank returns the claim-ordering rank for the priority; lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityInteractive:
		return 0
	case PriorityNormal:
		return 1
	case PriorityBackground:
		return 2
	default:
		return 3
	}
}

// JobError is the structured error blob attached to failed items.
// Message is what callers pattern-match on; Detail carries free-form context.
type JobError struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Detail == "" {
		return e.Message
	}
	return e.Message + ": " + e.Detail
}

// Item is the common shape of a durable queue record. Requests use it
// directly; jobs, completions, and merge jobs embed it.
type Item struct {
	// ID is the unique item identifier (UUID).
	ID string `json:"id"`
	// SessionID is the session this item belongs to.
	SessionID string `json:"session_id"`
	// Status is the current lifecycle state.
	Status ItemStatus `json:"status"`
	// Owner is the agent/worker/pusher currently or last holding the claim.
	Owner string `json:"owner,omitempty"`
	// Payload is the opaque work description.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Error is the structured failure blob, if the item failed.
	Error *JobError `json:"error,omitempty"`
	// Attempts counts claims; incremented atomically at claim time only,
	// so a crash mid-run still counts as one attempt.
	Attempts int `json:"attempts"`
	// MaxAttempts bounds requeues; 0 means the queue default applies.
	MaxAttempts int `json:"max_attempts"`

	EnqueuedAt      time.Time  `json:"enqueued_at"`
	ClaimedAt       *time.Time `json:"claimed_at,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FirstActivityAt *time.Time `json:"first_activity_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	FailedAt        *time.Time `json:"failed_at,omitempty"`
	// DurationMs is claim-to-terminal wall time.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// Job is a scoped unit of work a worker executes in an isolated checkout.
type Job struct {
	Item

	// Priority is the scheduling tier.
	Priority Priority `json:"priority"`
	// QueueWaitBudgetMs is how long the job may sit pending before it
	// surfaces as an SLO violation.
	QueueWaitBudgetMs int64 `json:"queue_wait_budget_ms"`
	// ExecutionBudgetMs is the wall-clock cap inside the sandbox.
	ExecutionBudgetMs int64 `json:"execution_budget_ms"`
	// FinalizationBudgetMs is the single grace extension granted when the
	// runner is still actively producing output at budget expiry.
	FinalizationBudgetMs int64 `json:"finalization_budget_ms"`
	// TargetOwner pins the job to a specific worker, if set.
	TargetOwner string `json:"target_owner,omitempty"`
	// TaskID links the job back to the planner task that spawned it.
	TaskID string `json:"task_id,omitempty"`
	// Kind selects the payload variant.
	Kind JobKind `json:"kind"`
}

// QueueWaitMs returns the pending time in milliseconds, or 0 if never claimed.
func (j *Job) QueueWaitMs() int64 {
	if j.ClaimedAt == nil {
		return 0
	}
	return j.ClaimedAt.Sub(j.EnqueuedAt).Milliseconds()
}

// Completion is a worker's published result: a commit reference awaiting
// serial integration by the merge pipeline.
type Completion struct {
	Item

	// CommitRef is the commit the worker produced.
	CommitRef string `json:"commit_ref"`
	// BranchRef is the ref the commit was published under.
	BranchRef string `json:"branch_ref,omitempty"`
	// Summary is the worker's one-line description of the change.
	Summary string `json:"summary,omitempty"`
	// JobID links back to the job that produced this completion.
	JobID string `json:"job_id,omitempty"`
}

// MergeJob is one unit of work for the serial merge pipeline: integrate the
// pinned commit of an agent branch into the integration branch.
type MergeJob struct {
	Item

	// Remote is the git remote name.
	Remote string `json:"remote"`
	// Branch is the agent branch to merge.
	Branch string `json:"branch"`
	// HeadSHA pins the branch tip this job was enqueued for. If the branch
	// has advanced past it, the job is skipped.
	HeadSHA string `json:"head_sha"`
	// Priority orders merge jobs; higher merges first.
	Priority int `json:"priority"`
	// LastError is the most recent failure summary, kept across requeues.
	LastError string `json:"last_error,omitempty"`
}
