// Package worker maintains the registry of worker daemons: who has made
// contact, what they report themselves doing, and whether their heartbeats
// are fresh enough to count as online.
package worker

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

// Registry is the worker table facade.
type Registry struct {
	db  *state.DB
	ttl time.Duration
}

// NewRegistry creates a registry with the given online TTL. A zero ttl
// selects models.DefaultWorkerTTL.
func NewRegistry(db *state.DB, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = models.DefaultWorkerTTL
	}
	return &Registry{db: db, ttl: ttl}
}

// TTL returns the online TTL.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Register creates the worker row if absent. Worker ids are trimmed and
// must be non-empty.
func (r *Registry) Register(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("worker id is required")
	}
	now := state.FormatTime(time.Now())
	_, err := r.db.Exec(`
		INSERT INTO workers (id, status, last_heartbeat, registered_at)
		VALUES (?, 'idle', ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, now, now)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// Heartbeat records a worker's self-reported status. Unknown workers are
// registered on the fly.
func (r *Registry) Heartbeat(id string, status models.WorkerStatus, currentJobID string, details json.RawMessage) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("worker id is required")
	}
	if status == "" {
		status = models.WorkerIdle
	}
	if !status.Valid() {
		return fmt.Errorf("unknown worker status %q", status)
	}
	now := state.FormatTime(time.Now())
	_, err := r.db.Exec(`
		INSERT INTO workers (id, status, current_job_id, last_heartbeat, details, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_job_id = excluded.current_job_id,
			last_heartbeat = excluded.last_heartbeat,
			details = COALESCE(excluded.details, details)
	`, id, string(status), nullableString(currentJobID), now, nullableBlob(details), now)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Get returns the worker row, or nil when unknown.
func (r *Registry) Get(id string) (*models.Worker, error) {
	row := r.db.QueryRow(`
		SELECT id, status, COALESCE(current_job_id, ''), last_heartbeat, COALESCE(details, ''), registered_at
		FROM workers WHERE id = ?
	`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// List returns all registered workers.
func (r *Registry) List() ([]models.Worker, error) {
	rows, err := r.db.Query(`
		SELECT id, status, COALESCE(current_job_id, ''), last_heartbeat, COALESCE(details, ''), registered_at
		FROM workers ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// Online returns the workers whose heartbeat is within the TTL.
func (r *Registry) Online() ([]models.Worker, error) {
	all, err := r.List()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []models.Worker
	for _, w := range all {
		if w.Online(now, r.ttl) {
			out = append(out, w)
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row rowScanner) (*models.Worker, error) {
	var w models.Worker
	var status, heartbeat, details, registeredAt string
	if err := row.Scan(&w.ID, &status, &w.CurrentJobID, &heartbeat, &details, &registeredAt); err != nil {
		return nil, err
	}
	w.Status = models.WorkerStatus(status)
	w.LastHeartbeat, _ = state.ParseTime(heartbeat)
	w.RegisteredAt, _ = state.ParseTime(registeredAt)
	if details != "" {
		w.Details = json.RawMessage(details)
	}
	return &w, nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableBlob(b json.RawMessage) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
