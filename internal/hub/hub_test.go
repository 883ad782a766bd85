package hub

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pushpals/pushpals/internal/event"
	"github.com/pushpals/pushpals/internal/state"
	"github.com/pushpals/pushpals/pkg/models"
)

func setupTestHub(t *testing.T) *Hub {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return New(event.NewStore(db))
}

func TestCreateOrJoinSession(t *testing.T) {
	h := setupTestHub(t)

	res, err := h.CreateOrJoinSession("pair-1", "pairing")
	if err != nil {
		t.Fatalf("CreateOrJoinSession failed: %v", err)
	}
	if res.SessionID != "pair-1" || !res.Created {
		t.Errorf("got %+v, want pair-1 created", res)
	}

	res, err = h.CreateOrJoinSession("pair-1", "again")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if res.Created {
		t.Error("joining an existing session should report created=false")
	}
}

func TestCreateOrJoinSession_GeneratesID(t *testing.T) {
	h := setupTestHub(t)

	res, err := h.CreateOrJoinSession("  ", "auto")
	if err != nil {
		t.Fatalf("CreateOrJoinSession failed: %v", err)
	}
	if !models.ValidSessionID(res.SessionID) {
		t.Errorf("generated id %q is not valid", res.SessionID)
	}
	if !res.Created {
		t.Error("generated session should be created")
	}
}

func TestCreateOrJoinSession_RejectsBadID(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("has spaces", ""); !errors.Is(err, event.ErrInvalidSessionID) {
		t.Errorf("err = %v, want ErrInvalidSessionID", err)
	}
}

func TestPostMessage_RequiresText(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := h.PostMessage("s1", "   "); err == nil {
		t.Error("blank message should be rejected")
	}
}

func TestPostCommand_RejectsUnknownKind(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := h.PostCommand("s1", models.EventKind("bogus"), json.RawMessage(`{}`)); err == nil {
		t.Error("unknown event kind should be rejected")
	}
}

func TestSubscribe_BacklogThenLive(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := h.PostMessage("s1", "first"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if _, err := h.PostMessage("s1", "second"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	sub, err := h.Subscribe("s1", 0, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if len(sub.Backlog) != 2 {
		t.Fatalf("backlog has %d events, want 2", len(sub.Backlog))
	}
	if sub.Backlog[0].Cursor >= sub.Backlog[1].Cursor {
		t.Error("backlog cursors must increase")
	}

	cursor, err := h.PostMessage("s1", "third")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	select {
	case ev := <-sub.Live:
		if ev.Cursor != cursor {
			t.Errorf("live cursor = %d, want %d", ev.Cursor, cursor)
		}
		if ev.Kind != models.EventMessage {
			t.Errorf("live kind = %s, want %s", ev.Kind, models.EventMessage)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live event never arrived")
	}
}

func TestSubscribe_FromCursor(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	var cursors []int64
	for _, text := range []string{"a", "b", "c"} {
		c, err := h.PostMessage("s1", text)
		if err != nil {
			t.Fatalf("PostMessage failed: %v", err)
		}
		cursors = append(cursors, c)
	}

	// Resubscribing from the first cursor replays only what follows it.
	sub, err := h.Subscribe("s1", cursors[0], 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if len(sub.Backlog) != 2 {
		t.Fatalf("backlog has %d events, want 2", len(sub.Backlog))
	}
	if sub.Backlog[0].Cursor != cursors[1] || sub.Backlog[1].Cursor != cursors[2] {
		t.Errorf("backlog cursors = %d,%d, want %d,%d",
			sub.Backlog[0].Cursor, sub.Backlog[1].Cursor, cursors[1], cursors[2])
	}
}

func TestSubscribe_BacklogLargerThanOnePage(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}

	total := event.DefaultReplayLimit + 5
	var last int64
	for i := 0; i < total; i++ {
		c, err := h.Store().Append("s1", models.EventMessage, json.RawMessage(`{"text":"x"}`))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		last = c
	}

	sub, err := h.Subscribe("s1", 0, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if len(sub.Backlog) != total {
		t.Fatalf("backlog has %d events, want %d", len(sub.Backlog), total)
	}
	for i := 1; i < len(sub.Backlog); i++ {
		if sub.Backlog[i].Cursor <= sub.Backlog[i-1].Cursor {
			t.Fatalf("backlog cursors not increasing at %d", i)
		}
	}
	if sub.Backlog[len(sub.Backlog)-1].Cursor != last {
		t.Errorf("backlog tip = %d, want %d", sub.Backlog[len(sub.Backlog)-1].Cursor, last)
	}
}

func TestSubscribe_ExplicitLimitCapsBacklog(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.CreateOrJoinSession("s1", ""); err != nil {
		t.Fatalf("create session: %v", err)
	}
	for _, text := range []string{"a", "b", "c"} {
		if _, err := h.PostMessage("s1", text); err != nil {
			t.Fatalf("PostMessage failed: %v", err)
		}
	}

	sub, err := h.Subscribe("s1", 0, 2)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if len(sub.Backlog) != 2 {
		t.Errorf("backlog has %d events, want 2", len(sub.Backlog))
	}
}

func TestSubscribe_UnknownSession(t *testing.T) {
	h := setupTestHub(t)
	if _, err := h.Subscribe("ghost", 0, 0); !errors.Is(err, event.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestSubscribe_SessionIsolation(t *testing.T) {
	h := setupTestHub(t)
	for _, id := range []string{"s1", "s2"} {
		if _, err := h.CreateOrJoinSession(id, ""); err != nil {
			t.Fatalf("create session %s: %v", id, err)
		}
	}

	sub, err := h.Subscribe("s1", 0, 0)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Cancel()

	if _, err := h.PostMessage("s2", "other room"); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	select {
	case ev := <-sub.Live:
		t.Errorf("s1 subscriber received s2 event at cursor %d", ev.Cursor)
	case <-time.After(100 * time.Millisecond):
	}
}
