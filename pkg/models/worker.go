package models

import (
	"encoding/json"
	"time"
)

// DefaultWorkerTTL is how long a worker stays "online" after its last
// heartbeat.
const DefaultWorkerTTL = 15 * time.Second

// WorkerStatus represents the reported state of a worker daemon.
type WorkerStatus string

const (
	// WorkerIdle means the worker is online with no claimed job.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy means the worker is executing a job.
	WorkerBusy WorkerStatus = "busy"
	// WorkerError means the worker's last job was recovered out from
	// under it while it still appeared alive.
	WorkerError WorkerStatus = "error"
	// WorkerOffline means heartbeats have gone stale.
	WorkerOffline WorkerStatus = "offline"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerError, WorkerOffline:
		return true
	default:
		return false
	}
}

// Worker is one registered worker daemon. Workers auto-register on first
// claim or heartbeat.
type Worker struct {
	// ID is the free-form worker identifier (trimmed, non-empty).
	ID string `json:"id"`
	// Status is the last reported or inferred state.
	Status WorkerStatus `json:"status"`
	// CurrentJobID is the job the worker claims to be executing.
	CurrentJobID string `json:"current_job_id,omitempty"`
	// LastHeartbeat is the time of the most recent heartbeat.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// Details is an opaque capability/metadata blob.
	Details json.RawMessage `json:"details,omitempty"`
	// RegisteredAt is when the worker first made contact.
	RegisteredAt time.Time `json:"registered_at"`
}

// Online reports whether the worker has heartbeat within ttl of now.
func (w *Worker) Online(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultWorkerTTL
	}
	return now.Sub(w.LastHeartbeat) <= ttl
}
