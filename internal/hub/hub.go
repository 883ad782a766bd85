// Package hub is the thin control plane over the event store: sessions are
// created or joined idempotently, user messages and agent commands become
// persisted events, and subscribers catch up from a cursor before tailing
// live appends.
package hub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pushpals/pushpals/internal/event"
	"github.com/pushpals/pushpals/pkg/models"
)

// Hub wires session lifecycle and event injection to the store.
type Hub struct {
	store *event.Store
}

// New creates a hub over the store.
func New(store *event.Store) *Hub {
	return &Hub{store: store}
}

// Store exposes the underlying event store.
func (h *Hub) Store() *event.Store {
	return h.store
}

// JoinResult reports whether CreateOrJoinSession created the session.
type JoinResult struct {
	SessionID string `json:"session_id"`
	Created   bool   `json:"created"`
}

// CreateOrJoinSession validates the id and creates the session if missing.
// An empty id generates one. Joining an existing session is a no-op with
// created=false.
func (h *Hub) CreateOrJoinSession(id, label string) (*JoinResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = fmt.Sprintf("session-%s", uuid.New().String()[:8])
	}
	if !models.ValidSessionID(id) {
		return nil, event.ErrInvalidSessionID
	}
	created, err := h.store.CreateSession(id, label)
	if err != nil {
		return nil, err
	}
	return &JoinResult{SessionID: id, Created: created}, nil
}

// messageEnvelope is the payload shape of user chat messages.
type messageEnvelope struct {
	Text   string `json:"text"`
	SentAt string `json:"sent_at"`
}

// PostMessage appends a user chat message and broadcasts it.
func (h *Hub) PostMessage(sessionID, text string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("message text is required")
	}
	envelope, err := json.Marshal(messageEnvelope{
		Text:   text,
		SentAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal message: %w", err)
	}
	return h.store.Append(sessionID, models.EventMessage, envelope)
}

// PostCommand appends an arbitrary typed event. Agents use this to emit
// assistant messages, task progress, status updates, and the rest of the
// closed event kind set.
func (h *Hub) PostCommand(sessionID string, kind models.EventKind, envelope json.RawMessage) (int64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown event kind %q", kind)
	}
	return h.store.Append(sessionID, kind, envelope)
}

// Subscription is a live event feed with catch-up already applied.
type Subscription struct {
	// Backlog holds the catch-up events, in cursor order.
	Backlog []models.Event
	// Live receives appends that happen after the backlog snapshot. The
	// channel closes if the subscriber falls behind; resubscribe from the
	// last seen cursor.
	Live <-chan models.Event
	// Cancel releases the subscription.
	Cancel func()
}

// Subscribe catches up from afterCursor via the store, then attaches to the
// broker for live appends. Events that land between the catch-up query and
// the broker attach are covered by the caller's cursor tracking: the Live
// channel may replay an event already present in Backlog, and consumers
// must drop cursors they have already seen.
//
// A limit > 0 caps the backlog at one page of that size. With limit <= 0
// the catch-up pages through the store until the backlog is complete, so a
// session with more backlogged events than one replay page loses nothing.
func (h *Hub) Subscribe(sessionID string, afterCursor int64, limit int) (*Subscription, error) {
	sess, err := h.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", event.ErrSessionNotFound, sessionID)
	}

	// Attach to the broker before the catch-up query so no append can fall
	// between the two.
	live, cancel := h.store.Broker().Subscribe(sessionID)

	var backlog []models.Event
	if limit > 0 {
		backlog, err = h.store.EventsAfter(sessionID, afterCursor, limit)
		if err != nil {
			cancel()
			return nil, err
		}
	} else {
		cursor := afterCursor
		for {
			page, pageErr := h.store.EventsAfter(sessionID, cursor, event.DefaultReplayLimit)
			if pageErr != nil {
				cancel()
				return nil, pageErr
			}
			backlog = append(backlog, page...)
			if len(page) < event.DefaultReplayLimit {
				break
			}
			cursor = page[len(page)-1].Cursor
		}
	}

	return &Subscription{Backlog: backlog, Live: live, Cancel: cancel}, nil
}
