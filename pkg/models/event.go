package models

import (
	"encoding/json"
	"time"
)

// EventKind identifies the type of a session event. The set is closed;
// producers posting an unknown kind are rejected at the boundary.
type EventKind string

const (
	// EventMessage is a user chat message.
	EventMessage EventKind = "message"
	// EventAssistantMessage is a planner/agent chat response.
	EventAssistantMessage EventKind = "assistant_message"
	// EventTaskCreated marks a new task in a session.
	EventTaskCreated EventKind = "task_created"
	// EventTaskProgress carries incremental task output.
	EventTaskProgress EventKind = "task_progress"
	// EventTaskCompleted marks task completion.
	EventTaskCompleted EventKind = "task_completed"
	// EventToolCall records a tool invocation by an agent.
	EventToolCall EventKind = "tool_call"
	// EventToolResult records a tool invocation result.
	EventToolResult EventKind = "tool_result"
	// EventJobEnqueued marks a job entering the queue.
	EventJobEnqueued EventKind = "job_enqueued"
	// EventJobClaimed marks a worker claiming a job.
	EventJobClaimed EventKind = "job_claimed"
	// EventJobCompleted marks successful job completion.
	EventJobCompleted EventKind = "job_completed"
	// EventJobFailed marks job failure; the envelope carries the error blob.
	EventJobFailed EventKind = "job_failed"
	// EventApprovalRequested asks a human to approve an action.
	EventApprovalRequested EventKind = "approval_requested"
	// EventApprovalDecided records the approval decision.
	EventApprovalDecided EventKind = "approval_decided"
	// EventStatus carries agent/worker status updates.
	EventStatus EventKind = "status"
)

// Valid returns true if the kind is a known value.
func (k EventKind) Valid() bool {
	switch k {
	case EventMessage, EventAssistantMessage,
		EventTaskCreated, EventTaskProgress, EventTaskCompleted,
		EventToolCall, EventToolResult,
		EventJobEnqueued, EventJobClaimed, EventJobCompleted, EventJobFailed,
		EventApprovalRequested, EventApprovalDecided,
		EventStatus:
		return true
	default:
		return false
	}
}

// Event is one persisted entry in a session's event log. Cursors are
// store-wide, strictly increasing, and assigned at append time.
type Event struct {
	// Cursor is the monotonically increasing position in the store.
	Cursor int64 `json:"cursor"`
	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`
	// Kind is the event type.
	Kind EventKind `json:"kind"`
	// Timestamp is when the event was appended.
	Timestamp time.Time `json:"timestamp"`
	// Envelope is the opaque event payload.
	Envelope json.RawMessage `json:"envelope"`
}
