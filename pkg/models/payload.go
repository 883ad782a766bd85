package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JobKind selects the payload variant of a job. The set is closed and known
// at build time; unknown kinds are rejected at enqueue.
type JobKind string

const (
	// JobKindImplement asks a worker to apply a coding instruction and
	// publish the resulting commit.
	JobKindImplement JobKind = "implement"
	// JobKindReview asks a worker to review a published commit.
	JobKindReview JobKind = "review"
	// JobKindCommand asks a worker to run a fixed command in its checkout.
	JobKindCommand JobKind = "command"
)

// Valid returns true if the kind is a known value.
func (k JobKind) Valid() bool {
	switch k {
	case JobKindImplement, JobKindReview, JobKindCommand:
		return true
	default:
		return false
	}
}

// ImplementPayload is the payload for implement jobs.
type ImplementPayload struct {
	// Instruction is the planner-authored work description.
	Instruction string `json:"instruction"`
	// BaseBranch is the branch the worker checks out from.
	BaseBranch string `json:"base_branch,omitempty"`
	// Paths hints at the files the job is scoped to.
	Paths []string `json:"paths,omitempty"`
}

// ReviewPayload is the payload for review jobs.
type ReviewPayload struct {
	// CommitRef is the commit under review.
	CommitRef string `json:"commit_ref"`
	// Instruction narrows what the reviewer should look at.
	Instruction string `json:"instruction,omitempty"`
}

// CommandPayload is the payload for command jobs.
type CommandPayload struct {
	// Command is executed through the worker's shell runner.
	Command string `json:"command"`
}

// ValidateJobPayload checks that raw parses as the variant for kind and that
// required fields are present. The raw blob is stored verbatim for
// forwards-compatibility; unknown extra fields are allowed.
func ValidateJobPayload(kind JobKind, raw json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown job kind %q", kind)
	}
	switch kind {
	case JobKindImplement:
		var p ImplementPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("implement payload: %w", err)
		}
		if strings.TrimSpace(p.Instruction) == "" {
			return fmt.Errorf("implement payload: instruction is required")
		}
	case JobKindReview:
		var p ReviewPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("review payload: %w", err)
		}
		if strings.TrimSpace(p.CommitRef) == "" {
			return fmt.Errorf("review payload: commit_ref is required")
		}
	case JobKindCommand:
		var p CommandPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("command payload: %w", err)
		}
		if strings.TrimSpace(p.Command) == "" {
			return fmt.Errorf("command payload: command is required")
		}
	}
	return nil
}
