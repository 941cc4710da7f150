// Package eventbus implements the Event Bus of spec §4.H: a single,
// versioned stream of models.Event envelopes with a monotonic per-conversation
// Sequence, fanned out to any number of subscribers (SSE/WebSocket handlers,
// the activity tracker, test harnesses).
//
// Grounded on the sequencing and multi-sink dispatch pattern already used by
// internal/agent/event_emitter.go and event_sink.go, generalized from
// per-run AgentEvents to per-conversation Events.
package eventbus

import (
	"sync"
	"time"

	"github.com/deskassist/core/pkg/models"
)

// Bus fans out published events to subscribers and stamps each with a
// monotonically increasing per-conversation sequence number.
type Bus struct {
	mu          sync.Mutex
	sequences   map[string]uint64
	subscribers map[int]chan models.Event
	nextSubID   int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		sequences:   make(map[string]uint64),
		subscribers: make(map[int]chan models.Event),
	}
}

// Publish stamps Time and Sequence (scoped to ConversationID) and delivers
// the event to every current subscriber. Delivery is non-blocking: a
// subscriber whose channel is full misses the event rather than stalling
// the publisher.
func (b *Bus) Publish(e models.Event) {
	b.mu.Lock()
	b.sequences[e.ConversationID]++
	e.Sequence = b.sequences[e.ConversationID]
	e.Time = time.Now()
	subs := make([]chan models.Event, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a new listener and returns its channel and a cancel
// function. The channel is closed once cancel is called.
func (b *Bus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}
