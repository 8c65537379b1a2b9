// Package pubsub fans relay events out to observers (the status surface,
// diagnostics tails) without coupling them to the relay's control logic.
package pubsub

import (
	"sync"
	"time"
)

// Topic partitions the event stream.
type Topic string

const (
	TopicSessionLifecycle Topic = "session.lifecycle"
	TopicTurnTransitions  Topic = "turn.transitions"
	TopicErrors           Topic = "errors"
)

// Event is one published observation.
type Event struct {
	Topic     Topic     `json:"topic"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Broker is a non-blocking fan-out. Publishing never waits on a slow
// subscriber: a full subscriber buffer drops the event for that subscriber
// only.
type Broker struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber
	closed bool
}

type subscriber struct {
	topics map[Topic]bool
	ch     chan Event
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in the given topics (none means all).
// The returned cancel function must be called to release the subscription;
// it closes the channel.
func (b *Broker) Subscribe(buffer int, topics ...Topic) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber that has room.
func (b *Broker) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[ev.Topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber; it loses this event, the relay never stalls.
		}
	}
}

// Close tears down all subscriptions.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
