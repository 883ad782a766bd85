package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pushpals/pushpals/internal/state"
)

// AppendJobLog records one line of runner output for a job. Log entries
// feed the stale-recovery sweep's last-activity computation, and the first
// entry also stamps first_activity_at on the item.
func (e *Engine) AppendJobLog(jobID, line string) error {
	now := state.FormatTime(time.Now())
	return e.db.Transaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO job_logs (job_id, created_at, line) VALUES (?, ?, ?)
		`, jobID, now, line); err != nil {
			return fmt.Errorf("append job log: %w", err)
		}
		if _, err := tx.Exec(`
			UPDATE queue_items SET first_activity_at = COALESCE(first_activity_at, ?)
			WHERE id = ? AND status = 'claimed'
		`, now, jobID); err != nil {
			return fmt.Errorf("stamp first activity: %w", err)
		}
		return nil
	})
}

// JobLogLine is one persisted line of runner output.
type JobLogLine struct {
	CreatedAt time.Time `json:"created_at"`
	Line      string    `json:"line"`
}

// JobLogs returns the persisted output lines for a job in order.
func (e *Engine) JobLogs(jobID string, limit int) ([]JobLogLine, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := e.db.Query(`
		SELECT created_at, line FROM job_logs WHERE job_id = ? ORDER BY id ASC LIMIT ?
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("job logs: %w", err)
	}
	defer rows.Close()

	var out []JobLogLine
	for rows.Next() {
		var createdAt, line string
		if err := rows.Scan(&createdAt, &line); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		t, _ := state.ParseTime(createdAt)
		out = append(out, JobLogLine{CreatedAt: t, Line: line})
	}
	return out, rows.Err()
}
