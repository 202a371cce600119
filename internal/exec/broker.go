package exec

import (
	"sync"

	"github.com/google/uuid"
)

const subscriberBufCap = 256

// Broker fans execution events out to subscribers, keyed by execution ID.
// Each topic keeps an append-only replay buffer so a subscriber that connects
// at any point receives the full event history followed by live events, with
// no gaps and no duplicates. Delivery authority stays with the orchestrator;
// the broker is a projection.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu     sync.Mutex
	seq    uint64
	events []Event
	subs   map[string]chan Event
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// CreateTopic registers a topic for an execution. Idempotent.
func (b *Broker) CreateTopic(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[executionID]; !ok {
		b.topics[executionID] = &topic{subs: make(map[string]chan Event)}
	}
}

// Publish assigns the next sequence number, appends the event to the replay
// buffer and delivers it to all live subscribers. A subscriber whose channel
// is full is disconnected rather than given a gap. Publishing a terminal
// event closes the topic to further publishes and closes subscriber channels.
func (b *Broker) Publish(executionID string, ev Event) Event {
	b.mu.RLock()
	t := b.topics[executionID]
	b.mu.RUnlock()
	if t == nil {
		return ev
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ev
	}

	t.seq++
	ev.Sequence = t.seq
	t.events = append(t.events, ev)

	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(t.subs, id)
		}
	}

	if ev.Terminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	return ev
}

// Subscribe returns the buffered history plus a channel of future events and
// a cancel function. History and registration happen under one lock, so the
// caller sees every event exactly once in sequence order. On an already
// closed topic the returned channel is closed immediately.
func (b *Broker) Subscribe(executionID string) ([]Event, <-chan Event, func(), bool) {
	b.mu.RLock()
	t := b.topics[executionID]
	b.mu.RUnlock()
	if t == nil {
		return nil, nil, nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	history := make([]Event, len(t.events))
	copy(history, t.events)

	ch := make(chan Event, subscriberBufCap)
	if t.closed {
		close(ch)
		return history, ch, func() {}, true
	}

	id := uuid.New().String()
	t.subs[id] = ch
	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			close(c)
			delete(t.subs, id)
		}
	}
	return history, ch, cancel, true
}

// Remove drops a topic and disconnects its subscribers. Used by the
// retention sweep once the durable result covers replay.
func (b *Broker) Remove(executionID string) {
	b.mu.Lock()
	t := b.topics[executionID]
	delete(b.topics, executionID)
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
