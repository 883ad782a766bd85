package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestValidSessionID(t *testing.T) {
	valid := []string{"session-1", "a", "A.b_c-d", "0123456789"}
	for _, id := range valid {
		if !ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = false, want true", id)
		}
	}

	invalid := []string{"", "has space", "slash/es", "emojié", string(make([]byte, 65))}
	for _, id := range invalid {
		if ValidSessionID(id) {
			t.Errorf("ValidSessionID(%q) = true, want false", id)
		}
	}
}

func TestEventKindValid(t *testing.T) {
	for _, kind := range []EventKind{EventMessage, EventJobEnqueued, EventApprovalDecided, EventStatus} {
		if !kind.Valid() {
			t.Errorf("%q should be valid", kind)
		}
	}
	if EventKind("made_up").Valid() {
		t.Error("unknown kind should be invalid")
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityInteractive.Rank() >= PriorityNormal.Rank() {
		t.Error("interactive must rank before normal")
	}
	if PriorityNormal.Rank() >= PriorityBackground.Rank() {
		t.Error("normal must rank before background")
	}
}

func TestItemStatusTerminal(t *testing.T) {
	terminal := []ItemStatus{StatusCompleted, StatusFailed, StatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	for _, s := range []ItemStatus{StatusPending, StatusClaimed} {
		if s.Terminal() {
			t.Errorf("%q should not be terminal", s)
		}
	}
}

func TestValidateJobPayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    JobKind
		payload string
		wantErr bool
	}{
		{"implement ok", JobKindImplement, `{"instruction": "add a flag"}`, false},
		{"implement missing instruction", JobKindImplement, `{"base_branch": "main"}`, true},
		{"review ok", JobKindReview, `{"commit_ref": "abc123"}`, false},
		{"review missing ref", JobKindReview, `{}`, true},
		{"command ok", JobKindCommand, `{"command": "make test"}`, false},
		{"command missing", JobKindCommand, `{"command": ""}`, true},
		{"unknown kind", JobKind("paint"), `{}`, true},
		{"malformed json", JobKindCommand, `{`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateJobPayload(tc.kind, json.RawMessage(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateJobPayload(%s) error = %v, wantErr %v", tc.kind, err, tc.wantErr)
			}
		})
	}
}

func TestWorkerOnline(t *testing.T) {
	now := time.Now()
	w := Worker{LastHeartbeat: now.Add(-5 * time.Second)}
	if !w.Online(now, DefaultWorkerTTL) {
		t.Error("worker with fresh heartbeat should be online")
	}
	w.LastHeartbeat = now.Add(-20 * time.Second)
	if w.Online(now, DefaultWorkerTTL) {
		t.Error("worker with stale heartbeat should be offline")
	}
}

func TestJobErrorError(t *testing.T) {
	err := &JobError{Message: "merge conflict"}
	if err.Error() != "merge conflict" {
		t.Errorf("Error() = %q, want message only", err.Error())
	}
	err.Detail = "file.go"
	if err.Error() != "merge conflict: file.go" {
		t.Errorf("Error() = %q, want message with detail", err.Error())
	}
}
