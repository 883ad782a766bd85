package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// Queue-wait SLA budgets per priority tier. These are budgets, not hard
// limits: a job past its budget surfaces as an SLO violation but still runs.
const (
	InteractiveSlotMs = 20_000
	NormalSlotMs      = 90_000
	BackgroundSlotMs  = 240_000
)

// Default execution budgets applied when the enqueuer leaves them zero.
const (
	DefaultExecutionBudgetMs    = 15 * 60 * 1000
	DefaultFinalizationBudgetMs = 2 * 60 * 1000
)

// SlotMs returns the scheduling slot width for a priority tier.
func SlotMs(p models.Priority) int64 {
	switch p {
	case models.PriorityInteractive:
		return InteractiveSlotMs
	case models.PriorityBackground:
		return BackgroundSlotMs
	default:
		return NormalSlotMs
	}
}

// EnqueueRequest enqueues a client request for the planner.
func (e *Engine) EnqueueRequest(sessionID string, payload json.RawMessage) (*EnqueueResult, error) {
	if e.name != Requests {
		return nil, fmt.Errorf("enqueue request on %s queue", e.name)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	id := newItemID()
	now := time.Now()
	var result EnqueueResult

	err := e.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO queue_items (id, queue, session_id, status, payload, max_attempts, enqueued_at)
			VALUES (?, ?, ?, 'pending', ?, ?, ?)
		`, id, string(e.name), sessionID, string(payload), DefaultMaxAttempts, state.FormatTime(now)); err != nil {
			return fmt.Errorf("insert request: %w", err)
		}
		pos, err := pendingPositionTx(tx, e.name, id)
		if err != nil {
			return err
		}
		result = EnqueueResult{ID: id, Created: true, QueuePosition: pos}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EnqueueJob validates and enqueues a job. Zero budgets are filled from the
// priority tier defaults. The returned position and ETA reflect the claim
// ordering policy at enqueue time.
func (e *Engine) EnqueueJob(job *models.Job) (*EnqueueResult, error) {
	if e.name != Jobs {
		return nil, fmt.Errorf("enqueue job on %s queue", e.name)
	}
	if job.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if !job.Priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", job.Priority)
	}
	if err := models.ValidateJobPayload(job.Kind, job.Payload); err != nil {
		return nil, err
	}
	if job.QueueWaitBudgetMs == 0 {
		job.QueueWaitBudgetMs = SlotMs(job.Priority)
	}
	if job.ExecutionBudgetMs == 0 {
		job.ExecutionBudgetMs = DefaultExecutionBudgetMs
	}
	if job.FinalizationBudgetMs == 0 {
		job.FinalizationBudgetMs = DefaultFinalizationBudgetMs
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	job.ID = newItemID()
	job.Status = models.StatusPending
	job.EnqueuedAt = time.Now()

	var result EnqueueResult
	err := e.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO queue_items (
				id, queue, session_id, status, payload, max_attempts,
				priority, queue_wait_budget_ms, execution_budget_ms, finalization_budget_ms,
				target_owner, task_id, kind, enqueued_at
			) VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, job.ID, string(e.name), job.SessionID, string(job.Payload), job.MaxAttempts,
			string(job.Priority), job.QueueWaitBudgetMs, job.ExecutionBudgetMs, job.FinalizationBudgetMs,
			nullable(job.TargetOwner), nullable(job.TaskID), string(job.Kind),
			state.FormatTime(job.EnqueuedAt)); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		pos, err := jobPositionTx(tx, job)
		if err != nil {
			return err
		}
		result = EnqueueResult{
			ID:            job.ID,
			Created:       true,
			QueuePosition: pos,
			ETAMs:         int64(pos-1) * SlotMs(job.Priority),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EnqueueCompletion enqueues a worker's commit publication. The unique key
// (sessionId, commitRef, branchRef) makes the call idempotent: a duplicate
// collapses to a no-op returning the existing id with created=false.
func (e *Engine) EnqueueCompletion(c *models.Completion) (*EnqueueResult, error) {
	if e.name != Completions {
		return nil, fmt.Errorf("enqueue completion on %s queue", e.name)
	}
	if c.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(c.CommitRef) == "" {
		return nil, fmt.Errorf("commit ref is required")
	}

	c.ID = newItemID()
	c.Status = models.StatusPending
	c.EnqueuedAt = time.Now()

	var result EnqueueResult
	err := e.db.Transaction(func(tx *sql.Tx) error {
		// Probe the unique key first so a duplicate returns the existing id.
		var existingID string
		err := tx.QueryRow(`
			SELECT id FROM queue_items
			WHERE queue = ? AND session_id = ? AND commit_ref = ? AND COALESCE(branch_ref, '') = ?
		`, string(e.name), c.SessionID, c.CommitRef, c.BranchRef).Scan(&existingID)
		if err == nil {
			result = EnqueueResult{ID: existingID, Created: false}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("probe completion key: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO queue_items (
				id, queue, session_id, status, payload, max_attempts,
				commit_ref, branch_ref, summary, job_id, enqueued_at
			) VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, string(e.name), c.SessionID, payloadOrNull(c.Payload), DefaultMaxAttempts,
			c.CommitRef, c.BranchRef, nullable(c.Summary), nullable(c.JobID),
			state.FormatTime(c.EnqueuedAt)); err != nil {
			return fmt.Errorf("insert completion: %w", err)
		}
		pos, err := pendingPositionTx(tx, e.name, c.ID)
		if err != nil {
			return err
		}
		result = EnqueueResult{ID: c.ID, Created: true, QueuePosition: pos}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EnqueueMerge enqueues a merge job pinned to a branch tip. The unique key
// (remote, branch, headSha) makes the call idempotent; the seen_branches
// table is updated in the same transaction so pollers can cheaply avoid
// re-issuing enqueues on the next tick.
func (e *Engine) EnqueueMerge(m *models.MergeJob) (*EnqueueResult, error) {
	if e.name != Merges {
		return nil, fmt.Errorf("enqueue merge on %s queue", e.name)
	}
	if m.Remote == "" || m.Branch == "" || m.HeadSHA == "" {
		return nil, fmt.Errorf("remote, branch, and head sha are required")
	}
	if m.MaxAttempts == 0 {
		m.MaxAttempts = DefaultMaxAttempts
	}

	m.ID = newItemID()
	m.Status = models.StatusPending
	m.EnqueuedAt = time.Now()

	var result EnqueueResult
	err := e.db.Transaction(func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRow(`
			SELECT id FROM queue_items
			WHERE queue = ? AND remote = ? AND branch = ? AND head_sha = ?
		`, string(e.name), m.Remote, m.Branch, m.HeadSHA).Scan(&existingID)
		if err == nil {
			result = EnqueueResult{ID: existingID, Created: false}
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("probe merge key: %w", err)
		} else {
			if _, err := tx.Exec(`
				INSERT INTO queue_items (
					id, queue, session_id, status, max_attempts,
					remote, branch, head_sha, merge_priority, enqueued_at
				) VALUES (?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?)
			`, m.ID, string(e.name), m.SessionID, m.MaxAttempts,
				m.Remote, m.Branch, m.HeadSHA, m.Priority,
				state.FormatTime(m.EnqueuedAt)); err != nil {
				return fmt.Errorf("insert merge job: %w", err)
			}
			pos, err := pendingPositionTx(tx, e.name, m.ID)
			if err != nil {
				return err
			}
			result = EnqueueResult{ID: m.ID, Created: true, QueuePosition: pos}
		}

		if _, err := tx.Exec(`
			INSERT INTO seen_branches (remote, branch, head_sha, seen_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(remote, branch) DO UPDATE SET head_sha = excluded.head_sha, seen_at = excluded.seen_at
		`, m.Remote, m.Branch, m.HeadSHA, state.FormatTime(time.Now())); err != nil {
			return fmt.Errorf("update seen branches: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SeenHead returns the last head sha recorded for (remote, branch), or ""
// when the branch has never been seen.
func (e *Engine) SeenHead(remote, branch string) (string, error) {
	var sha string
	err := e.db.QueryRow(`SELECT head_sha FROM seen_branches WHERE remote = ? AND branch = ?`,
		remote, branch).Scan(&sha)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("seen head: %w", err)
	}
	return sha, nil
}

// pendingPositionTx returns the 1-based FIFO position of a pending item.
func pendingPositionTx(tx *sql.Tx, name Name, id string) (int, error) {
	var pos int
	err := tx.QueryRow(`
		SELECT COUNT(1) FROM queue_items a, queue_items b
		WHERE a.queue = ? AND a.status = 'pending' AND b.id = ?
			AND (a.enqueued_at < b.enqueued_at
				OR (a.enqueued_at = b.enqueued_at AND a.rowid <= b.rowid))
	`, string(name), id).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return pos, nil
}

// jobPositionTx returns the 1-based position of a pending job under the
// priority ordering (affinity is ignored: position is worker-independent).
func jobPositionTx(tx *sql.Tx, job *models.Job) (int, error) {
	rank := job.Priority.Rank()
	var pos int
	err := tx.QueryRow(`
		SELECT COUNT(1) FROM queue_items a, queue_items b
		WHERE a.queue = 'jobs' AND a.status = 'pending' AND b.id = ?
			AND (
				CASE a.priority WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END < ?
				OR (CASE a.priority WHEN 'interactive' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END = ?
					AND (a.enqueued_at < b.enqueued_at
						OR (a.enqueued_at = b.enqueued_at AND a.rowid <= b.rowid)))
			)
	`, job.ID, rank, rank).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("job position: %w", err)
	}
	return pos, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func payloadOrNull(p json.RawMessage) sql.NullString {
	if len(p) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(p), Valid: true}
}
