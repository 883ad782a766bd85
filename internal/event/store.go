// Package event implements the durable, cursor-indexed session event log
// and the in-process fan-out that sits on top of it. Producers append first;
// only after the row is committed does the broker notify subscribers, so a
// reconnecting subscriber always observes a prefix of the broadcast stream.
package event

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

const (
	// DefaultReplayLimit is used when EventsAfter is called with limit <= 0.
	DefaultReplayLimit = 1000
	// MaxReplayLimit is the hard cap on a single EventsAfter page.
	MaxReplayLimit = 10000
)

// ErrSessionNotFound is returned when an event targets a session that was
// never created. The hub must create the session before appending; the store
// rejects orphan events.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidSessionID is returned for ids outside 1-64 chars [a-zA-Z0-9._-].
var ErrInvalidSessionID = errors.New("invalid session id")

// Store persists session events with store-wide monotonic cursors.
type Store struct {
	db     *state.DB
	broker *Broker
}

// NewStore creates an event store over the given database.
func NewStore(db *state.DB) *Store {
	return &Store{db: db, broker: NewBroker()}
}

// Broker returns the fan-out broker fed by Append.
func (s *Store) Broker() *Broker {
	return s.broker
}

// CreateSession creates the session row if it does not exist. Returns
// created=false when the session already existed. Creation is idempotent.
func (s *Store) CreateSession(id, label string) (created bool, err error) {
	if !models.ValidSessionID(id) {
		return false, ErrInvalidSessionID
	}
	res, err := s.db.Exec(`
		INSERT INTO sessions (id, label, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, label, state.FormatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("create session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// GetSession returns the session row, or nil if it does not exist.
func (s *Store) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT id, COALESCE(label, ''), created_at FROM sessions WHERE id = ?`, id)

	var sess models.Session
	var createdAt string
	err := row.Scan(&sess.ID, &sess.Label, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.CreatedAt, _ = state.ParseTime(createdAt)
	return &sess, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions() ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT id, COALESCE(label, ''), created_at FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		var createdAt string
		if err := rows.Scan(&sess.ID, &sess.Label, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt, _ = state.ParseTime(createdAt)
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Append persists one event and returns its cursor. The insert and the
// session-existence check run in a single transaction, making Append
// linearizable with respect to any other Append. Subscribers are notified
// only after the transaction commits.
func (s *Store) Append(sessionID string, kind models.EventKind, envelope json.RawMessage) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown event kind %q", kind)
	}
	if envelope == nil {
		envelope = json.RawMessage("{}")
	}

	ev := models.Event{
		SessionID: sessionID,
		Kind:      kind,
		Timestamp: time.Now(),
		Envelope:  envelope,
	}

	err := s.db.Transaction(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}

		res, err := tx.Exec(`
			INSERT INTO events (session_id, kind, created_at, envelope)
			VALUES (?, ?, ?, ?)
		`, sessionID, string(kind), state.FormatTime(ev.Timestamp), string(envelope))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		cursor, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		ev.Cursor = cursor
		return nil
	})
	if err != nil {
		return 0, err
	}

	// Persist completed; now broadcast.
	s.broker.Publish(ev)
	return ev.Cursor, nil
}

// EventsAfter returns up to limit events for the session with cursor > after,
// in cursor order. A limit <= 0 selects DefaultReplayLimit; limits above
// MaxReplayLimit are clamped.
func (s *Store) EventsAfter(sessionID string, after int64, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	if limit > MaxReplayLimit {
		limit = MaxReplayLimit
	}

	rows, err := s.db.Query(`
		SELECT cursor, session_id, kind, created_at, envelope
		FROM events
		WHERE session_id = ? AND cursor > ?
		ORDER BY cursor ASC
		LIMIT ?
	`, sessionID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("events after: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var kind, createdAt, envelope string
		if err := rows.Scan(&ev.Cursor, &ev.SessionID, &kind, &createdAt, &envelope); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = models.EventKind(kind)
		ev.Timestamp, _ = state.ParseTime(createdAt)
		ev.Envelope = json.RawMessage(envelope)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestCursor returns the highest cursor for the session, or 0 when the
// session has no events.
func (s *Store) LatestCursor(sessionID string) (int64, error) {
	var cursor int64
	row := s.db.QueryRow(`SELECT COALESCE(MAX(cursor), 0) FROM events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&cursor); err != nil {
		return 0, fmt.Errorf("latest cursor: %w", err)
	}
	return cursor, nil
}
