// Package queue implements the durable queue engine shared by the request,
// job, completion, and merge queues. All four are instances of the same
// lifecycle, pending -> claimed -> {completed, failed, skipped}, backed by
// a single SQLite table with queue-specific columns. Claims are atomic:
// invariant check, policy-ordered select, and status flip happen in one
// transaction, so no partial state is ever observable.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// Name identifies one of the four queue instances.
type Name string

const (
	// Requests holds client -> planner requests.
	Requests Name = "requests"
	// Jobs holds planner -> worker jobs.
	Jobs Name = "jobs"
	// Completions holds worker -> pusher commit publications.
	Completions Name = "completions"
	// Merges holds the merge daemon's serial work queue.
	Merges Name = "merges"
)

// ErrNotClaimed is returned by Complete and Fail when the item is not
// currently in the claimed state. It signals an optimistic-update miss and
// is reported, not retried.
var ErrNotClaimed = errors.New("item is not claimed")

// ErrNotFound is returned when the item id does not exist in this queue.
var ErrNotFound = errors.New("item not found")

// DefaultMaxAttempts bounds requeues when the enqueuer does not specify one.
const DefaultMaxAttempts = 3

// RecoverLimit caps how many stale claims a single recovery sweep may fail.
const RecoverLimit = 500

// Engine is one queue instance over the shared table.
type Engine struct {
	db   *state.DB
	name Name
}

// New creates an engine for the named queue.
func New(db *state.DB, name Name) *Engine {
	return &Engine{db: db, name: name}
}

// Name returns the queue name.
func (e *Engine) Name() Name {
	return e.name
}

// EnqueueResult is returned by the enqueue operations.
type EnqueueResult struct {
	// ID is the item id, the existing one when the enqueue was a duplicate.
	ID string `json:"id"`
	// Created is false when a unique-key conflict collapsed the enqueue
	// into a no-op against an existing item.
	Created bool `json:"created"`
	// QueuePosition is the 1-based position among pending items.
	QueuePosition int `json:"queue_position"`
	// ETAMs estimates the wait until claim, from position and priority.
	ETAMs int64 `json:"eta_ms"`
}

// Claimed is returned by Claim: the raw row plus the elapsed queue wait.
type Claimed struct {
	Item        *models.Item
	Job         *models.Job
	Completion  *models.Completion
	MergeJob    *models.MergeJob
	QueueWaitMs int64
}

// record mirrors one queue_items row across all queue variants.
type record struct {
	id, queue, sessionID, status     string
	owner                            sql.NullString
	payload, errBlob                 sql.NullString
	attempts, maxAttempts            int
	priority                         sql.NullString
	queueWaitBudgetMs                int64
	executionBudgetMs                int64
	finalizationBudgetMs             int64
	targetOwner, taskID, kind        sql.NullString
	commitRef, branchRef             sql.NullString
	summary, result, jobID           sql.NullString
	remote, branch, headSHA          sql.NullString
	mergePriority                    int
	lastError                        sql.NullString
	enqueuedAt                       string
	claimedAt, startedAt             sql.NullString
	firstActivityAt                  sql.NullString
	completedAt, failedAt            sql.NullString
	durationMs                       int64
}

const recordColumns = `id, queue, session_id, status, owner, payload, error,
	attempts, max_attempts, priority, queue_wait_budget_ms, execution_budget_ms,
	finalization_budget_ms, target_owner, task_id, kind, commit_ref, branch_ref,
	summary, result, job_id, remote, branch, head_sha, merge_priority, last_error,
	enqueued_at, claimed_at, started_at, first_activity_at, completed_at,
	failed_at, duration_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record, error) {
	var r record
	err := row.Scan(
		&r.id, &r.queue, &r.sessionID, &r.status, &r.owner, &r.payload, &r.errBlob,
		&r.attempts, &r.maxAttempts, &r.priority, &r.queueWaitBudgetMs, &r.executionBudgetMs,
		&r.finalizationBudgetMs, &r.targetOwner, &r.taskID, &r.kind, &r.commitRef, &r.branchRef,
		&r.summary, &r.result, &r.jobID, &r.remote, &r.branch, &r.headSHA, &r.mergePriority, &r.lastError,
		&r.enqueuedAt, &r.claimedAt, &r.startedAt, &r.firstActivityAt, &r.completedAt,
		&r.failedAt, &r.durationMs,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *record) toItem() models.Item {
	item := models.Item{
		ID:          r.id,
		SessionID:   r.sessionID,
		Status:      models.ItemStatus(r.status),
		Owner:       r.owner.String,
		Attempts:    r.attempts,
		MaxAttempts: r.maxAttempts,
		DurationMs:  r.durationMs,
	}
	if r.payload.Valid && r.payload.String != "" {
		item.Payload = json.RawMessage(r.payload.String)
	}
	if r.errBlob.Valid && r.errBlob.String != "" {
		var je models.JobError
		if err := json.Unmarshal([]byte(r.errBlob.String), &je); err == nil {
			item.Error = &je
		}
	}
	item.EnqueuedAt, _ = state.ParseTime(r.enqueuedAt)
	item.ClaimedAt = state.ParseNullableTime(r.claimedAt)
	item.StartedAt = state.ParseNullableTime(r.startedAt)
	item.FirstActivityAt = state.ParseNullableTime(r.firstActivityAt)
	item.CompletedAt = state.ParseNullableTime(r.completedAt)
	item.FailedAt = state.ParseNullableTime(r.failedAt)
	return item
}

func (r *record) toJob() *models.Job {
	return &models.Job{
		Item:                 r.toItem(),
		Priority:             models.Priority(r.priority.String),
		QueueWaitBudgetMs:    r.queueWaitBudgetMs,
		ExecutionBudgetMs:    r.executionBudgetMs,
		FinalizationBudgetMs: r.finalizationBudgetMs,
		TargetOwner:          r.targetOwner.String,
		TaskID:               r.taskID.String,
		Kind:                 models.JobKind(r.kind.String),
	}
}

func (r *record) toCompletion() *models.Completion {
	return &models.Completion{
		Item:      r.toItem(),
		CommitRef: r.commitRef.String,
		BranchRef: r.branchRef.String,
		Summary:   r.summary.String,
		JobID:     r.jobID.String,
	}
}

func (r *record) toMergeJob() *models.MergeJob {
	return &models.MergeJob{
		Item:      r.toItem(),
		Remote:    r.remote.String,
		Branch:    r.branch.String,
		HeadSHA:   r.headSHA.String,
		Priority:  r.mergePriority,
		LastError: r.lastError.String,
	}
}

// Get returns the item in any representation, or ErrNotFound.
func (e *Engine) Get(id string) (*Claimed, error) {
	row := e.db.QueryRow(`SELECT `+recordColumns+` FROM queue_items WHERE queue = ? AND id = ?`,
		string(e.name), id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return e.wrap(r, 0), nil
}

func (e *Engine) wrap(r *record, queueWaitMs int64) *Claimed {
	c := &Claimed{QueueWaitMs: queueWaitMs}
	switch e.name {
	case Jobs:
		c.Job = r.toJob()
		c.Item = &c.Job.Item
	case Completions:
		c.Completion = r.toCompletion()
		c.Item = &c.Completion.Item
	case Merges:
		c.MergeJob = r.toMergeJob()
		c.Item = &c.MergeJob.Item
	default:
		item := r.toItem()
		c.Item = &item
	}
	return c
}

// orderClause returns the claim ordering policy for this queue.
// The owner argument only matters for the job queue's affinity tier.
func (e *Engine) orderClause() string {
	switch e.name {
	case Merges:
		return `ORDER BY merge_priority DESC, enqueued_at ASC, rowid ASC`
	case Jobs:
		return `ORDER BY
			CASE WHEN target_owner IS NOT NULL AND target_owner = ? THEN 0 ELSE 1 END,
			CASE priority
				WHEN 'interactive' THEN 0
				WHEN 'normal' THEN 1
				ELSE 2
			END,
			enqueued_at ASC, rowid ASC`
	default:
		return `ORDER BY enqueued_at ASC, rowid ASC`
	}
}

// Claim atomically claims the next pending item for the owner, or returns
// nil when nothing is claimable. For the merge queue at most one item may be
// claimed queue-wide; for the other queues at most one per owner. Owners are
// auto-registered as workers on first contact.
func (e *Engine) Claim(ownerID string) (*Claimed, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, fmt.Errorf("owner id is required")
	}

	var claimed *Claimed
	now := time.Now()

	err := e.db.Transaction(func(tx *sql.Tx) error {
		if err := registerWorkerTx(tx, ownerID, now); err != nil {
			return err
		}

		// Invariant check first: a violated singleton aborts the claim
		// before any row is touched.
		var existing int
		if e.name == Merges {
			if err := tx.QueryRow(`SELECT COUNT(1) FROM queue_items WHERE queue = ? AND status = 'claimed'`,
				string(e.name)).Scan(&existing); err != nil {
				return fmt.Errorf("check serial claim: %w", err)
			}
		} else {
			if err := tx.QueryRow(`SELECT COUNT(1) FROM queue_items WHERE queue = ? AND status = 'claimed' AND owner = ?`,
				string(e.name), ownerID).Scan(&existing); err != nil {
				return fmt.Errorf("check owner claim: %w", err)
			}
		}
		if existing > 0 {
			return nil
		}

		query := `SELECT ` + recordColumns + ` FROM queue_items WHERE queue = ? AND status = 'pending' ` +
			e.orderClause() + ` LIMIT 1`
		var row *sql.Row
		if e.name == Jobs {
			row = tx.QueryRow(query, string(e.name), ownerID)
		} else {
			row = tx.QueryRow(query, string(e.name))
		}

		r, err := scanRecord(row)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next pending: %w", err)
		}

		// Attempts increments here and only here, atomically with the
		// status flip, so a crash mid-run still counts as one attempt.
		res, err := tx.Exec(`
			UPDATE queue_items
			SET status = 'claimed', owner = ?, claimed_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = 'pending'
		`, ownerID, state.FormatTime(now), r.id)
		if err != nil {
			return fmt.Errorf("claim item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		r.status = string(models.StatusClaimed)
		r.owner = sql.NullString{String: ownerID, Valid: true}
		r.claimedAt = sql.NullString{String: state.FormatTime(now), Valid: true}
		r.attempts++

		if e.name == Jobs {
			if _, err := tx.Exec(`UPDATE workers SET status = 'busy', current_job_id = ? WHERE id = ?`,
				r.id, ownerID); err != nil {
				return fmt.Errorf("mark worker busy: %w", err)
			}
		}

		enqueuedAt, _ := state.ParseTime(r.enqueuedAt)
		claimed = e.wrap(r, now.Sub(enqueuedAt).Milliseconds())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks a claimed item as completed and records the result blob.
// The claim owner flips back to idle when it holds no other claims.
func (e *Engine) Complete(id, summary string, result json.RawMessage) (*models.Item, error) {
	return e.finish(id, models.StatusCompleted, summary, result, nil)
}

// Fail marks a claimed item as failed with a structured error.
func (e *Engine) Fail(id string, jobErr *models.JobError) (*models.Item, error) {
	return e.finish(id, models.StatusFailed, "", nil, jobErr)
}

func (e *Engine) finish(id string, status models.ItemStatus, summary string, result json.RawMessage, jobErr *models.JobError) (*models.Item, error) {
	now := time.Now()
	var out *models.Item

	err := e.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+recordColumns+` FROM queue_items WHERE queue = ? AND id = ?`,
			string(e.name), id)
		r, err := scanRecord(row)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load item: %w", err)
		}
		if r.status != string(models.StatusClaimed) {
			return fmt.Errorf("%w: %s is %s", ErrNotClaimed, id, r.status)
		}

		claimedAt, _ := state.ParseTime(r.claimedAt.String)
		durationMs := now.Sub(claimedAt).Milliseconds()

		switch status {
		case models.StatusCompleted:
			var resultStr sql.NullString
			if result != nil {
				resultStr = sql.NullString{String: string(result), Valid: true}
			}
			var summaryStr sql.NullString
			if summary != "" {
				summaryStr = sql.NullString{String: summary, Valid: true}
			}
			if _, err := tx.Exec(`
				UPDATE queue_items
				SET status = 'completed', completed_at = ?, duration_ms = ?,
					summary = COALESCE(?, summary), result = COALESCE(?, result)
				WHERE id = ?
			`, state.FormatTime(now), durationMs, summaryStr, resultStr, id); err != nil {
				return fmt.Errorf("complete item: %w", err)
			}
		case models.StatusFailed:
			blob, err := json.Marshal(jobErr)
			if err != nil {
				return fmt.Errorf("marshal error blob: %w", err)
			}
			if _, err := tx.Exec(`
				UPDATE queue_items
				SET status = 'failed', failed_at = ?, duration_ms = ?, error = ?, last_error = ?
				WHERE id = ?
			`, state.FormatTime(now), durationMs, string(blob), jobErr.Message, id); err != nil {
				return fmt.Errorf("fail item: %w", err)
			}
		}

		if r.owner.Valid {
			if err := releaseOwnerTx(tx, r.owner.String, id); err != nil {
				return err
			}
		}

		r.status = string(status)
		r.durationMs = durationMs
		ts := sql.NullString{String: state.FormatTime(now), Valid: true}
		if status == models.StatusCompleted {
			r.completedAt = ts
		} else {
			r.failedAt = ts
			blob, _ := json.Marshal(jobErr)
			r.errBlob = sql.NullString{String: string(blob), Valid: true}
		}
		item := r.toItem()
		out = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Requeue returns a failed or skipped item to pending, preserving attempts.
// Claimed items may also be requeued (the merge daemon does this when the
// base moved under a conflict).
func (e *Engine) Requeue(id string) error {
	err := e.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE queue_items
			SET status = 'pending', owner = NULL, claimed_at = NULL, started_at = NULL,
				first_activity_at = NULL, completed_at = NULL, failed_at = NULL, duration_ms = 0
			WHERE queue = ? AND id = ? AND status != 'completed'
		`, string(e.name), id)
		if err != nil {
			return fmt.Errorf("requeue item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return err
}

// Skip marks a claimed merge item as skipped with a reason. Skipped is a
// terminal state distinct from failed: the work was deliberately not done
// (branch gone, already merged, attempts exhausted).
func (e *Engine) Skip(id, reason string) error {
	now := time.Now()
	err := e.db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT owner, status, claimed_at FROM queue_items WHERE queue = ? AND id = ?`,
			string(e.name), id)
		var owner, claimedAt sql.NullString
		var status string
		if err := row.Scan(&owner, &status, &claimedAt); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("load item: %w", err)
		}

		var durationMs int64
		if claimedAt.Valid {
			t, _ := state.ParseTime(claimedAt.String)
			durationMs = now.Sub(t).Milliseconds()
		}
		if _, err := tx.Exec(`
			UPDATE queue_items
			SET status = 'skipped', completed_at = ?, duration_ms = ?, last_error = ?
			WHERE id = ?
		`, state.FormatTime(now), durationMs, reason, id); err != nil {
			return fmt.Errorf("skip item: %w", err)
		}
		if owner.Valid {
			if err := releaseOwnerTx(tx, owner.String, id); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// MarkStarted records that the owner began executing the item.
func (e *Engine) MarkStarted(id string) error {
	_, err := e.db.Exec(`
		UPDATE queue_items SET started_at = COALESCE(started_at, ?)
		WHERE queue = ? AND id = ? AND status = 'claimed'
	`, state.FormatTime(time.Now()), string(e.name), id)
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	return nil
}

// MarkActivity records output activity for the item; the first call also
// stamps first_activity_at.
func (e *Engine) MarkActivity(id string) error {
	now := state.FormatTime(time.Now())
	_, err := e.db.Exec(`
		UPDATE queue_items SET first_activity_at = COALESCE(first_activity_at, ?)
		WHERE queue = ? AND id = ? AND status = 'claimed'
	`, now, string(e.name), id)
	if err != nil {
		return fmt.Errorf("mark activity: %w", err)
	}
	return nil
}

// StatusCounts holds per-status item counts for one queue.
type StatusCounts struct {
	Pending   int `json:"pending"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
}

// CountsByStatus returns per-status counts via a single grouped scan.
func (e *Engine) CountsByStatus() (StatusCounts, error) {
	rows, err := e.db.Query(`
		SELECT status, COUNT(1) FROM queue_items WHERE queue = ? GROUP BY status
	`, string(e.name))
	if err != nil {
		return StatusCounts{}, fmt.Errorf("counts by status: %w", err)
	}
	defer rows.Close()

	var counts StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return StatusCounts{}, fmt.Errorf("scan count: %w", err)
		}
		switch models.ItemStatus(status) {
		case models.StatusPending:
			counts.Pending = n
		case models.StatusClaimed:
			counts.Claimed = n
		case models.StatusCompleted:
			counts.Completed = n
		case models.StatusFailed:
			counts.Failed = n
		case models.StatusSkipped:
			counts.Skipped = n
		}
	}
	return counts, rows.Err()
}

// CountsByPriority returns non-terminal item counts per priority tier.
func (e *Engine) CountsByPriority() (map[models.Priority]int, error) {
	rows, err := e.db.Query(`
		SELECT COALESCE(priority, 'normal'), COUNT(1) FROM queue_items
		WHERE queue = ? AND status IN ('pending', 'claimed')
		GROUP BY priority
	`, string(e.name))
	if err != nil {
		return nil, fmt.Errorf("counts by priority: %w", err)
	}
	defer rows.Close()

	out := make(map[models.Priority]int)
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.Priority(p)] += n
	}
	return out, rows.Err()
}

// registerWorkerTx inserts the worker row on first contact.
func registerWorkerTx(tx *sql.Tx, id string, now time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO workers (id, status, last_heartbeat, registered_at)
		VALUES (?, 'idle', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, state.FormatTime(now), state.FormatTime(now))
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// releaseOwnerTx flips the owner back to idle when the finished item was its
// only claim, and clears a current_job_id that still points at the item.
func releaseOwnerTx(tx *sql.Tx, owner, itemID string) error {
	var remaining int
	if err := tx.QueryRow(`
		SELECT COUNT(1) FROM queue_items WHERE owner = ? AND status = 'claimed' AND id != ?
	`, owner, itemID).Scan(&remaining); err != nil {
		return fmt.Errorf("count owner claims: %w", err)
	}
	if remaining > 0 {
		return nil
	}
	if _, err := tx.Exec(`
		UPDATE workers
		SET status = CASE WHEN status = 'busy' THEN 'idle' ELSE status END,
			current_job_id = CASE WHEN current_job_id = ? THEN NULL ELSE current_job_id END
		WHERE id = ?
	`, itemID, owner); err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	return nil
}

func newItemID() string {
	return uuid.New().String()
}
