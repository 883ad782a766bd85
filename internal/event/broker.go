package event

import (
	"sync"

	"github.com/pushpals/pushpals/pkg/models"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls further behind than this is cut off and must re-sync from its last
// cursor via EventsAfter; the appender is never blocked by a slow consumer.
const subscriberBuffer = 256

// Broker fans persisted events out to in-process subscribers, keyed by
// session. It carries no history: catch-up always goes through the store.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan models.Event
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan models.Event)}
}

// Subscribe registers for live events on the session. The returned channel
// is closed when cancel is called, the broker shuts down, or the subscriber
// falls too far behind. In the last case the caller re-syncs from its last
// cursor and subscribes again.
func (b *Broker) Subscribe(sessionID string) (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]chan models.Event)
	}
	b.subs[sessionID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[sessionID][id]; ok {
			delete(b.subs[sessionID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber of its session. Delivery is
// non-blocking: a full subscriber channel is closed and dropped instead of
// stalling the publisher.
func (b *Broker) Publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs[ev.SessionID] {
		select {
		case ch <- ev:
		default:
			delete(b.subs[ev.SessionID], id)
			close(ch)
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Close shuts the broker down and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, bySession := range b.subs {
		for id, ch := range bySession {
			delete(bySession, id)
			close(ch)
		}
	}
}
