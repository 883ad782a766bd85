package models

import (
	"regexp"
	"time"
)

// sessionIDPattern constrains session identifiers to 1-64 characters of
// letters, digits, dots, underscores, and hyphens.
var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// ValidSessionID returns true if the id is a legal session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Session is a long-lived conversation and event channel addressed by an
// operator-chosen id. Sessions are created idempotently and never expire.
type Session struct {
	// ID is the operator-chosen identifier (1-64 chars, [a-zA-Z0-9._-]).
	ID string `json:"id"`
	// Label is an optional human-readable name.
	Label string `json:"label,omitempty"`
	// CreatedAt is when the session row was first created.
	CreatedAt time.Time `json:"created_at"`
}
