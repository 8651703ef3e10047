package eventbus

import (
	"testing"
	"time"
)

func TestPublishAssignsMonotonicIDsPerTopic(t *testing.T) {
	b := New(8)
	e1 := b.Publish("global", "round_opened", nil)
	e2 := b.Publish("global", "round_started", nil)
	if e1.ID != 1 || e2.ID != 2 {
		t.Fatalf("expected ids 1,2, got %d,%d", e1.ID, e2.ID)
	}

	// A different topic gets its own sequence.
	e3 := b.Publish("room:r1", "multiplier_tick", nil)
	if e3.ID != 1 {
		t.Fatalf("expected topic-local id 1, got %d", e3.ID)
	}
}

func TestSubscribeReceivesPublishedEventsInOrder(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("global")
	defer sub.Unsubscribe()

	b.Publish("global", "a", 1)
	b.Publish("global", "b", 2)
	b.Publish("global", "c", 3)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case ev := <-sub.Events:
			if ev.Type != want {
				t.Fatalf("expected %s, got %s", want, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func TestReplayReturnsEventsAfterGivenID(t *testing.T) {
	b := New(8)
	b.Publish("global", "a", nil)
	b.Publish("global", "b", nil)
	b.Publish("global", "c", nil)

	events, err := b.Replay("global", 1)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 || events[0].Type != "b" || events[1].Type != "c" {
		t.Fatalf("unexpected replay result: %+v", events)
	}
}

func TestReplayFromZeroReturnsEverythingRetained(t *testing.T) {
	b := New(8)
	b.Publish("global", "a", nil)
	b.Publish("global", "b", nil)

	events, err := b.Replay("global", 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestReplayEvictedIDRequiresResync(t *testing.T) {
	b := New(2) // tiny ring buffer
	b.Publish("global", "a", nil)
	b.Publish("global", "b", nil)
	b.Publish("global", "c", nil) // evicts "a"

	_, err := b.Replay("global", 1) // event 1 ("a") has been evicted
	if err != ErrResyncRequired {
		t.Fatalf("expected ErrResyncRequired, got %v", err)
	}
}

func TestReplayEmptyTopicWithNonZeroIDRequiresResync(t *testing.T) {
	b := New(8)
	_, err := b.Replay("never-published", 5)
	if err != ErrResyncRequired {
		t.Fatalf("expected ErrResyncRequired for unknown history, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(8)
	sub := b.Subscribe("global")
	sub.Unsubscribe()

	if n := b.SubscriberCount("global"); n != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", n)
	}

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish("global", "a", nil)
}

func TestSubscriberCount(t *testing.T) {
	b := New(8)
	if b.SubscriberCount("global") != 0 {
		t.Fatal("expected 0 subscribers initially")
	}
	sub := b.Subscribe("global")
	defer sub.Unsubscribe()
	if b.SubscriberCount("global") != 1 {
		t.Fatal("expected 1 subscriber after Subscribe")
	}
}
