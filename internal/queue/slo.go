package queue

import (
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// timeoutPattern classifies a failure as budget exhaustion from its error
// blob. The stale-recovery message and runner deadline errors all match.
var timeoutPattern = regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded|stale worker claim|heartbeat stale|watchdog`)

// SLOSummary reports queue health over a sliding window.
type SLOSummary struct {
	WindowHours   int     `json:"window_hours"`
	Terminal      int     `json:"terminal"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	TimeoutFailed int     `json:"timeout_failed"`
	SuccessRate   float64 `json:"success_rate"`
	TimeoutRate   float64 `json:"timeout_rate"`

	DurationMsP50 int64 `json:"duration_ms_p50"`
	DurationMsP95 int64 `json:"duration_ms_p95"`
	DurationMsAvg int64 `json:"duration_ms_avg"`

	QueueWaitMsP50 int64 `json:"queue_wait_ms_p50"`
	QueueWaitMsP95 int64 `json:"queue_wait_ms_p95"`
	QueueWaitMsAvg int64 `json:"queue_wait_ms_avg"`
}

// SLOSummaryWindow computes the summary over items that reached a terminal
// state within the last windowHours.
func (e *Engine) SLOSummaryWindow(windowHours int) (*SLOSummary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	cutoff := state.FormatTime(time.Now().Add(-time.Duration(windowHours) * time.Hour))

	rows, err := e.db.Query(`
		SELECT status, COALESCE(error, ''), duration_ms, enqueued_at, claimed_at
		FROM queue_items
		WHERE queue = ? AND status IN ('completed', 'failed', 'skipped')
			AND COALESCE(completed_at, failed_at) >= ?
	`, string(e.name), cutoff)
	if err != nil {
		return nil, fmt.Errorf("slo window scan: %w", err)
	}
	defer rows.Close()

	summary := &SLOSummary{WindowHours: windowHours}
	var durations, waits []int64

	for rows.Next() {
		var status, errBlob, enqueuedAt string
		var claimedAt sql.NullString
		var durationMs int64
		if err := rows.Scan(&status, &errBlob, &durationMs, &enqueuedAt, &claimedAt); err != nil {
			return nil, fmt.Errorf("scan slo row: %w", err)
		}

		summary.Terminal++
		switch models.ItemStatus(status) {
		case models.StatusCompleted:
			summary.Completed++
		case models.StatusFailed:
			summary.Failed++
			if timeoutPattern.MatchString(errBlob) {
				summary.TimeoutFailed++
			}
		}

		durations = append(durations, durationMs)
		if claimedAt.Valid {
			enq, err1 := state.ParseTime(enqueuedAt)
			clm, err2 := state.ParseTime(claimedAt.String)
			if err1 == nil && err2 == nil {
				waits = append(waits, clm.Sub(enq).Milliseconds())
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if summary.Terminal > 0 {
		summary.SuccessRate = float64(summary.Completed) / float64(summary.Terminal)
		summary.TimeoutRate = float64(summary.TimeoutFailed) / float64(summary.Terminal)
	}
	summary.DurationMsP50, summary.DurationMsP95, summary.DurationMsAvg = percentiles(durations)
	summary.QueueWaitMsP50, summary.QueueWaitMsP95, summary.QueueWaitMsAvg = percentiles(waits)
	return summary, nil
}

// percentiles returns p50, p95, and mean of the values.
func percentiles(values []int64) (p50, p95, avg int64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	sorted := make([]int64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	idx := func(p float64) int64 {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	return idx(0.50), idx(0.95), sum / int64(len(sorted))
}
