package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// StaleMessage is the exact auto-fail message stamped on recovered claims.
// The SLO tracker's timeout classifier matches on it.
const StaleMessage = "auto-failed after stale worker claim"

// graceCapFactor bounds the activity-aware grace window at TTL * 5.
const graceCapFactor = 5

// RecoveredClaim describes one claim the sweep auto-failed.
type RecoveredClaim struct {
	ItemID       string    `json:"item_id"`
	Owner        string    `json:"owner"`
	LastActivity time.Time `json:"last_activity"`
	Reason       string    `json:"reason"`
}

// RecoverStale sweeps claimed items whose owners have gone quiet and flips
// them to failed. A claim is stale when its last activity (the max of
// claimed_at, started_at, first_activity_at, and the newest job-log entry)
// is older than ttl. If the owner is still heartbeating and reports itself
// busy on this exact item, an activity-aware grace window of
// min(executionBudget+finalizationBudget, ttl*5) applies first, so long
// quiet jobs are not falsely recovered. Each sweep is bounded by limit
// (clamped to RecoverLimit).
func (e *Engine) RecoverStale(ttl time.Duration, limit int) ([]RecoveredClaim, error) {
	if limit <= 0 || limit > RecoverLimit {
		limit = RecoverLimit
	}
	now := time.Now()

	var recovered []RecoveredClaim
	err := e.db.Transaction(func(tx *sql.Tx) error {
		rows, err := tx.Query(`
			SELECT q.id, q.owner, q.claimed_at, q.started_at, q.first_activity_at,
				q.execution_budget_ms, q.finalization_budget_ms,
				(SELECT MAX(l.created_at) FROM job_logs l WHERE l.job_id = q.id),
				w.status, w.current_job_id, w.last_heartbeat
			FROM queue_items q
			LEFT JOIN workers w ON w.id = q.owner
			WHERE q.queue = ? AND q.status = 'claimed'
			ORDER BY q.claimed_at ASC
			LIMIT ?
		`, string(e.name), limit)
		if err != nil {
			return fmt.Errorf("select claimed: %w", err)
		}
		defer rows.Close()

		type candidate struct {
			id, owner      string
			lastActivity   time.Time
			graceMs        int64
			workerBusyHere bool
			heartbeatOK    bool
			evidence       string
		}
		var candidates []candidate

		for rows.Next() {
			var id string
			var owner sql.NullString
			var claimedAt sql.NullString
			var startedAt, firstActivityAt, lastLogAt sql.NullString
			var execBudgetMs, finalBudgetMs int64
			var wStatus, wJobID, wHeartbeat sql.NullString
			if err := rows.Scan(&id, &owner, &claimedAt, &startedAt, &firstActivityAt,
				&execBudgetMs, &finalBudgetMs, &lastLogAt,
				&wStatus, &wJobID, &wHeartbeat); err != nil {
				return fmt.Errorf("scan claimed: %w", err)
			}

			lastActivity := maxTime(claimedAt, startedAt, firstActivityAt, lastLogAt)
			if lastActivity.IsZero() {
				continue
			}
			age := now.Sub(lastActivity)
			if age <= ttl {
				continue
			}

			heartbeatOK := false
			if wHeartbeat.Valid {
				if hb, err := state.ParseTime(wHeartbeat.String); err == nil {
					heartbeatOK = now.Sub(hb) <= ttl
				}
			}
			busyHere := wStatus.Valid && wStatus.String == string(models.WorkerBusy) &&
				wJobID.Valid && wJobID.String == id

			if busyHere && heartbeatOK {
				grace := time.Duration(execBudgetMs+finalBudgetMs) * time.Millisecond
				if ceiling := ttl * graceCapFactor; grace > ceiling {
					grace = ceiling
				}
				if age <= grace {
					continue
				}
			}

			candidates = append(candidates, candidate{
				id:             id,
				owner:          owner.String,
				lastActivity:   lastActivity,
				workerBusyHere: busyHere,
				heartbeatOK:    heartbeatOK,
				evidence: fmt.Sprintf("last activity %s ago (ttl %s); worker heartbeat ok=%t busy on item=%t",
					age.Round(time.Second), ttl, heartbeatOK, busyHere),
			})
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, c := range candidates {
			jobErr := models.JobError{Message: StaleMessage, Detail: c.evidence}
			blob, err := json.Marshal(jobErr)
			if err != nil {
				return fmt.Errorf("marshal error blob: %w", err)
			}

			if _, err := tx.Exec(`
				UPDATE queue_items
				SET status = 'failed', failed_at = ?, error = ?, last_error = ?,
					duration_ms = CAST((julianday(?) - julianday(claimed_at)) * 86400000 AS INTEGER)
				WHERE id = ? AND status = 'claimed'
			`, state.FormatTime(now), string(blob), StaleMessage, state.FormatTime(now), c.id); err != nil {
				return fmt.Errorf("auto-fail item %s: %w", c.id, err)
			}

			if c.owner != "" {
				// Heartbeat stale too means the whole worker is gone;
				// otherwise the worker is alive but wedged on this job.
				workerStatus := models.WorkerError
				if !c.heartbeatOK {
					workerStatus = models.WorkerOffline
				}
				if _, err := tx.Exec(`
					UPDATE workers
					SET status = ?,
						current_job_id = CASE WHEN current_job_id = ? THEN NULL ELSE current_job_id END
					WHERE id = ?
				`, string(workerStatus), c.id, c.owner); err != nil {
					return fmt.Errorf("mark worker %s: %w", c.owner, err)
				}
			}

			recovered = append(recovered, RecoveredClaim{
				ItemID:       c.id,
				Owner:        c.owner,
				LastActivity: c.lastActivity,
				Reason:       c.evidence,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, rc := range recovered {
		log.Printf("[recovery] auto-failed stale claim %s (owner %s): %s", rc.ItemID, rc.Owner, rc.Reason)
	}
	return recovered, nil
}

// maxTime returns the latest of the given nullable RFC3339 timestamps.
func maxTime(times ...sql.NullString) time.Time {
	var max time.Time
	for _, ns := range times {
		if !ns.Valid {
			continue
		}
		t, err := state.ParseTime(ns.String)
		if err != nil {
			continue
		}
		if t.After(max) {
			max = t
		}
	}
	return max
}
