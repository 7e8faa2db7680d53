package eventbus

import "testing"

func TestPublishDeliversInOrderPerTopic(t *testing.T) {
	bus := New(16)
	_, ch, cancel := bus.Subscribe(0, TopicMessageReceived)
	defer cancel()

	bus.Publish(TopicMessageReceived, "a")
	bus.Publish(TopicConnectionState, "ignored")
	bus.Publish(TopicMessageReceived, "b")

	first := <-ch
	second := <-ch
	if first.Payload != "a" || second.Payload != "b" {
		t.Fatalf("unexpected delivery order: %v then %v", first.Payload, second.Payload)
	}
	if first.Seq >= second.Seq {
		t.Fatalf("sequence must be increasing: %d then %d", first.Seq, second.Seq)
	}
}

func TestSubscribeReplaysHistoryAfterSeq(t *testing.T) {
	bus := New(16)
	e1 := bus.Publish(TopicError, "old")
	bus.Publish(TopicError, "new")

	replay, _, cancel := bus.Subscribe(e1.Seq, TopicError)
	defer cancel()
	if len(replay) != 1 || replay[0].Payload != "new" {
		t.Fatalf("expected single replayed event 'new', got %v", replay)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	bus := New(4)
	_, ch, cancel := bus.Subscribe(0)
	defer cancel()

	for i := 0; i < subscriberBuffer+8; i++ {
		bus.Publish(TopicSyncProgress, i)
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained != subscriberBuffer {
		t.Fatalf("expected channel closed after %d buffered events, drained %d", subscriberBuffer, drained)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	bus := New(4)
	_, _, cancel := bus.Subscribe(0)
	cancel()
	cancel()
	bus.Publish(TopicError, "after cancel")
}
