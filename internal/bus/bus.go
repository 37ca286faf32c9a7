package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching. Lifecycle,
// bridge and reaper events flow through it to the /ws/events stream.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
	now     func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics. Slow consumers miss events once their
// buffer of 100 is full.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus discards the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		At:      b.now().UTC(),
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
				b.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
