// Package bus is an in-process pub/sub channel for task lifecycle events.
// Publishing never blocks: a subscriber whose buffer is full misses events.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 128

// Lifecycle topics. Subscribing to "task." receives all of them.
const (
	TopicTaskCreated            = "task.created"
	TopicTaskAdmitted           = "task.admitted"
	TopicTaskHeartbeatSucceeded = "task.heartbeat.succeeded"
	TopicTaskHeartbeatFailed    = "task.heartbeat.failed"
	TopicTaskCleanedUp          = "task.cleaned_up"
)

// TaskEvent describes one lifecycle transition. Detail carries the failure
// description or cleanup reason and never includes credentials.
type TaskEvent struct {
	TaskID              string
	AccountID           int64
	ConsecutiveFailures int
	Detail              string
	At                  time.Time
}

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload TaskEvent
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

func (s *Subscription) matches(topic string) bool {
	return s.prefix == "" || strings.HasPrefix(topic, s.prefix)
}

// Bus fans events out to subscribers by topic prefix.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	nextID  int
	dropped atomic.Int64
}

func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers interest in topics starting with topicPrefix. An empty
// prefix matches everything.
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

// Publish delivers ev to matching subscribers. A nil Bus discards events.
func (b *Bus) Publish(topic string, ev TaskEvent) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	msg := Event{Topic: topic, Payload: ev}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped is the number of deliveries skipped because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
