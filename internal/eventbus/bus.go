// Package eventbus is the typed notification hub between the messaging
// runtime and its consumers. Producers never block: a subscriber that cannot
// keep up is closed and dropped.
package eventbus

import (
	"sync"
	"time"
)

// Topics consumed by the application shell.
const (
	TopicConnectionState = "connectionStateChanged"
	TopicMessageReceived = "messageReceived"
	TopicReceiptReceived = "receiptReceived"
	TopicSyncProgress    = "syncProgress"
	TopicError           = "error"
)

type Event struct {
	Seq       int64
	Topic     string
	Payload   any
	Timestamp time.Time
}

const subscriberBuffer = 128

type Bus struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []Event
	subs    map[int]*subscription
	nextSub int
}

type subscription struct {
	ch     chan Event
	topics map[string]struct{} // nil means all topics
}

// New creates a bus retaining the last limit events for replay.
func New(limit int) *Bus {
	if limit < 1 {
		limit = 1
	}
	return &Bus{
		limit: limit,
		subs:  make(map[int]*subscription),
	}
}

// Publish fans an event out to matching subscribers. Events on a topic are
// delivered to any single subscriber in publish order.
func (b *Bus) Publish(topic string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	event := Event{
		Seq:       b.nextSeq,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.history = append(b.history, event)
	if len(b.history) > b.limit {
		b.history = append([]Event(nil), b.history[len(b.history)-b.limit:]...)
	}

	for id, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			close(sub.ch)
			delete(b.subs, id)
		}
	}
	return event
}

// Subscribe registers for the given topics (all topics when none are named)
// and replays retained history newer than fromSeq. The returned cancel is
// idempotent.
func (b *Bus) Subscribe(fromSeq int64, topics ...string) ([]Event, <-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, subscriberBuffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	replay := make([]Event, 0)
	for _, event := range b.history {
		if event.Seq > fromSeq && sub.wants(event.Topic) {
			replay = append(replay, event)
		}
	}

	id := b.nextSub
	b.nextSub++
	b.subs[id] = sub

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[id]; ok {
			close(s.ch)
			delete(b.subs, id)
		}
	}
	return replay, sub.ch, cancel
}

func (s *subscription) wants(topic string) bool {
	if s.topics == nil {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}
