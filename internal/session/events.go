package session

import (
	"sync"
	"time"
)

// EventType names the observer events a session run publishes.
type EventType string

const (
	EventStateChange     EventType = "state-change"
	EventWaveProgress    EventType = "wave-progress"
	EventStoryCompleted  EventType = "story-completed"
	EventStoryFailed     EventType = "story-failed"
	EventCheckpointSaved EventType = "checkpoint-saved"
	EventFailureIndexed  EventType = "failure-indexed"
	EventSessionStatus   EventType = "session-status"
)

// Event is one observer notification. Payload keys depend on the type:
// state-change carries taskId/from/to, wave-progress carries
// waveId/completed/failed/total, story events carry storyId/summary,
// checkpoint-saved carries name, failure-indexed carries recordId.
type Event struct {
	Type      EventType              `json:"type"`
	SessionID string                 `json:"sessionId"`
	At        time.Time              `json:"at"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind its buffer misses events.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered subscriber. The returned cancel func
// removes the subscription and closes the channel; it is idempotent.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber with buffer room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
