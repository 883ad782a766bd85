package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// backdateClaim rewinds an item's claim stamp so the sweep sees it as old.
func backdateClaim(t *testing.T, db *state.DB, itemID string, age time.Duration) {
	t.Helper()
	then := state.FormatTime(time.Now().Add(-age))
	if _, err := db.Exec(`UPDATE queue_items SET claimed_at = ? WHERE id = ?`, then, itemID); err != nil {
		t.Fatalf("backdate claim: %v", err)
	}
}

func backdateHeartbeat(t *testing.T, db *state.DB, workerID string, age time.Duration) {
	t.Helper()
	then := state.FormatTime(time.Now().Add(-age))
	if _, err := db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, then, workerID); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}
}

func TestRecoverStale_AutoFailsAbandonedClaim(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	mustEnqueueJob(t, e, testJob("s1", models.PriorityNormal))
	claimed := mustClaim(t, e, "w1")

	backdateClaim(t, db, claimed.Item.ID, time.Hour)
	backdateHeartbeat(t, db, "w1", time.Hour)

	recovered, err := e.RecoverStale(10*time.Second, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d claims, want 1", len(recovered))
	}
	if recovered[0].ItemID != claimed.Item.ID || recovered[0].Owner != "w1" {
		t.Errorf("recovered %+v, want item %s owner w1", recovered[0], claimed.Item.ID)
	}

	got, err := e.Get(claimed.Item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Item.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Item.Status)
	}
	if got.Item.Error == nil || got.Item.Error.Message != StaleMessage {
		t.Errorf("error message = %+v, want %q", got.Item.Error, StaleMessage)
	}
	if got.Item.DurationMs <= 0 {
		t.Errorf("DurationMs = %d, want > 0", got.Item.DurationMs)
	}

	// Stale heartbeat means the whole worker is gone.
	var status string
	if err := db.QueryRow(`SELECT status FROM workers WHERE id = 'w1'`).Scan(&status); err != nil {
		t.Fatalf("read worker: %v", err)
	}
	if status != string(models.WorkerOffline) {
		t.Errorf("worker status = %s, want offline", status)
	}
}

func TestRecoverStale_FreshClaimUntouched(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	mustEnqueueJob(t, e, testJob("s1", models.PriorityNormal))
	mustClaim(t, e, "w1")

	recovered, err := e.RecoverStale(10*time.Second, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("recovered %d fresh claims, want 0", len(recovered))
	}
}

func TestRecoverStale_GraceForBusyWorker(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	job := testJob("s1", models.PriorityNormal)
	job.ExecutionBudgetMs = 40_000
	job.FinalizationBudgetMs = 5_000
	mustEnqueueJob(t, e, job)
	claimed := mustClaim(t, e, "w1")

	ttl := 10 * time.Second
	// grace = min(40s+5s, 10s*5) = 45s. Past the TTL but inside the
	// grace window, with a live busy worker: must not be recovered.
	backdateClaim(t, db, claimed.Item.ID, 30*time.Second)

	recovered, err := e.RecoverStale(ttl, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("recovered inside grace window, want 0, got %d", len(recovered))
	}

	// Past the grace window the claim falls even though the worker still
	// heartbeats; the worker is wedged, not gone.
	backdateClaim(t, db, claimed.Item.ID, time.Minute)
	recovered, err = e.RecoverStale(ttl, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("recovered %d past grace, want 1", len(recovered))
	}

	var status string
	if err := db.QueryRow(`SELECT status FROM workers WHERE id = 'w1'`).Scan(&status); err != nil {
		t.Fatalf("read worker: %v", err)
	}
	if status != string(models.WorkerError) {
		t.Errorf("worker status = %s, want error", status)
	}
}

func TestRecoverStale_GraceCappedAtTTLMultiple(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	job := testJob("s1", models.PriorityNormal)
	// Huge budgets: the cap of ttl*5 = 50s must apply instead.
	job.ExecutionBudgetMs = 3_600_000
	job.FinalizationBudgetMs = 600_000
	mustEnqueueJob(t, e, job)
	claimed := mustClaim(t, e, "w1")

	backdateClaim(t, db, claimed.Item.ID, time.Minute)

	recovered, err := e.RecoverStale(10*time.Second, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Errorf("recovered %d, want 1 (grace capped at ttl*%d)", len(recovered), graceCapFactor)
	}
}

func TestRecoverStale_JobLogActivityCounts(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	mustEnqueueJob(t, e, testJob("s1", models.PriorityNormal))
	claimed := mustClaim(t, e, "w1")

	backdateClaim(t, db, claimed.Item.ID, time.Hour)
	backdateHeartbeat(t, db, "w1", time.Hour)
	if err := e.AppendJobLog(claimed.Item.ID, "still going"); err != nil {
		t.Fatalf("AppendJobLog failed: %v", err)
	}

	recovered, err := e.RecoverStale(10*time.Second, 0)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if len(recovered) != 0 {
		t.Errorf("recovered %d claims with fresh log activity, want 0", len(recovered))
	}
}

func TestRecoverStale_FailureCountsAsTimeout(t *testing.T) {
	db := setupTestDB(t)
	e := New(db, Jobs)
	mustEnqueueJob(t, e, testJob("s1", models.PriorityNormal))
	claimed := mustClaim(t, e, "w1")
	backdateClaim(t, db, claimed.Item.ID, time.Hour)
	backdateHeartbeat(t, db, "w1", time.Hour)

	if _, err := e.RecoverStale(10*time.Second, 0); err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}

	// The auto-fail blob must be classified as a timeout by the SLO
	// tracker.
	got, err := e.Get(claimed.Item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	blob, _ := json.Marshal(got.Item.Error)
	if !timeoutPattern.Match(blob) {
		t.Errorf("stale-recovery blob %s does not match the timeout classifier", blob)
	}
}
