// Package eventbus implements the ordered pub/sub fabric of spec.md
// §4.7: every outbound event carries a monotonic event_id, each
// subscriber receives its topics' events in publish order, and a
// reconnecting client can replay everything since its last seen
// event_id — or, if that id has already scrolled off the topic's
// ring buffer, is told ResyncRequired instead of silently skipping
// ahead. Grounded on the teacher's internal/game/hub.go (register/
// unregister/broadcast channels, non-blocking per-client send),
// generalized from one flat broadcast fan-out to per-topic groups
// (global, room:<round_id>, user:<user_id>) each with their own
// bounded replay buffer.
package eventbus

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrResyncRequired is returned by Replay when the requested
// afterEventID has already been evicted from the ring buffer.
var ErrResyncRequired = errors.New("eventbus: resync required")

// Event is one published message, stamped with a topic-local
// monotonic id.
type Event struct {
	ID        int64
	Topic     string
	Type      string
	Payload   any
	CreatedAt time.Time
}

// Subscription is a live, ordered stream of events for one topic.
type Subscription struct {
	Events <-chan Event
	ch     chan Event
	bus    *Bus
	topic  string
}

// Unsubscribe detaches the subscription; it is safe to call more than
// once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.ch)
}

type topicLog struct {
	mu     sync.Mutex
	nextID int64
	ring   []Event // oldest first
	cap    int
	subs   map[chan Event]bool
}

// Bus is the process-local event fabric. A production deployment with
// more than one server process would front this with Redis Streams or
// NATS; spec.md §4.7 deliberately scopes replay to a single process's
// ring buffer.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topicLog
	bufferSize int
}

// New returns a Bus whose topics each retain up to bufferSize events
// for replay (spec.md §6 ring_buffer_size).
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Bus{topics: make(map[string]*topicLog), bufferSize: bufferSize}
}

func (b *Bus) topic(name string) *topicLog {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topicLog{cap: b.bufferSize, subs: make(map[chan Event]bool)}
		b.topics[name] = t
	}
	return t
}

// Publish appends payload to topic's log under the next event_id and
// fans it out to every live subscriber of that topic. Slow
// subscribers never block publish: a full subscriber channel drops
// the event for that subscriber only, same as the teacher's
// non-blocking client.send goroutine — a dropped live event is
// recoverable via Replay as long as it is still in the ring buffer.
func (b *Bus) Publish(topic, eventType string, payload any) Event {
	t := b.topic(topic)

	t.mu.Lock()
	t.nextID++
	ev := Event{ID: t.nextID, Topic: topic, Type: eventType, Payload: payload, CreatedAt: time.Now()}
	t.ring = append(t.ring, ev)
	if len(t.ring) > t.cap {
		t.ring = t.ring[len(t.ring)-t.cap:]
	}
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
			log.Printf("[BUS] subscriber channel full for topic %s, dropping event %d", topic, ev.ID)
		}
	}
	t.mu.Unlock()

	return ev
}

// Subscribe registers a new live subscriber for topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	t := b.topic(topic)
	ch := make(chan Event, 256)

	t.mu.Lock()
	t.subs[ch] = true
	t.mu.Unlock()

	return &Subscription{Events: ch, ch: ch, bus: b, topic: topic}
}

func (b *Bus) unsubscribe(topic string, ch chan Event) {
	t := b.topic(topic)
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

// Replay returns every event published to topic strictly after
// afterEventID that is still in the ring buffer, oldest first. If
// afterEventID is 0 it returns everything retained. If afterEventID
// has already scrolled off the buffer (and is not 0), it returns
// ErrResyncRequired: the caller (internal/server) must tell the client
// to drop its local state and re-fetch a fresh snapshot instead of
// replaying a gap it cannot see across.
func (b *Bus) Replay(topic string, afterEventID int64) ([]Event, error) {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.ring) == 0 {
		if afterEventID == 0 {
			return nil, nil
		}
		return nil, ErrResyncRequired
	}

	oldest := t.ring[0].ID
	if afterEventID != 0 && afterEventID < oldest {
		return nil, ErrResyncRequired
	}

	out := make([]Event, 0, len(t.ring))
	for _, ev := range t.ring {
		if ev.ID > afterEventID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// SubscriberCount reports how many live subscribers topic has, for
// metrics and tests.
func (b *Bus) SubscriberCount(topic string) int {
	t := b.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
