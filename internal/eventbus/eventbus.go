// Package eventbus provides the in-process broadcast channels:
// migration progress, cloud-relay status, and service state changes
// fan out to every current subscriber.
package eventbus

import (
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Topic identifies a class of event on the bus.
type Topic string

const (
	TopicMigrationProgress Topic = "migration_progress"
	TopicCloudRelayStatus  Topic = "cloud_relay_status"
	TopicServiceState      Topic = "service_state"
	TopicMetrics           Topic = "metrics"
)

// Event is one published notification. ID is a ULID (millisecond
// publish timestamp plus monotonic entropy), so events sort by the
// order they were published (the bus assigns IDs from a monotonic ULID
// source).
type Event struct {
	ID      string
	Topic   Topic
	Payload any
}

// Bus is a single-process, multi-subscriber broadcaster. There is
// exactly one Bus per control plane instance, constructed once and
// shared by every component that needs to notify or observe.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]chan Event
	nextID      int
	entropy     *ulid.MonotonicEntropy
	entropyMu   sync.Mutex
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a new listener and returns a receive-only
// channel plus an unsubscribe function. The channel is buffered; a
// slow subscriber that doesn't drain it will miss events rather than
// stall the publisher.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// Publish fans payload out to every current subscriber under topic.
// Full subscriber channels are skipped, never blocked on.
func (b *Bus) Publish(topic Topic, payload any) Event {
	ev := Event{ID: b.newID(), Topic: topic, Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
	return ev
}

func (b *Bus) newID() string {
	b.entropyMu.Lock()
	defer b.entropyMu.Unlock()
	if b.entropy == nil {
		b.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	return ulid.MustNew(ulid.Now(), b.entropy).String()
}
