// Package bus is the in-process fan-out for user-visible notices and
// connection-state changes. Store mutation never goes through it: stores
// notify their own subscribers synchronously, the bus is for observers that
// may lag behind (CLI output, toasts).
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 100

// Topics published by the runtime.
const (
	TopicNotifySuccess   = "notify.success"
	TopicConnectionState = "connection.state"
	TopicTaskFinished    = "task.finished"
	TopicRemoteLog       = "remote.log"
	TopicJournalRecorded = "journal.recorded"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
	At      time.Time
}

// NotifyEvent asks the UI to surface a success notice for a completed task.
type NotifyEvent struct {
	TaskID string
	Action string
}

// ConnectionStateEvent is published on every connection state transition.
type ConnectionStateEvent struct {
	State   string
	Attempt int
}

// TaskFinishedEvent is published when a task reaches a terminal status.
type TaskFinishedEvent struct {
	TaskID string
	Action string
	Status string
	Error  string
}

// JournalRecordedEvent is published after a finished task is written to the
// local journal.
type JournalRecordedEvent struct {
	TaskID string
	Status string
}

// RemoteLogEvent carries a LOG frame from the backend.
type RemoteLogEvent struct {
	TaskID  string
	Level   string
	Message string
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

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
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
// A nil bus drops the event.
func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{
		Topic:   topic,
		Payload: payload,
		At:      time.Now(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notifier adapts the bus to the dispatcher's notification hook.
type Notifier struct {
	Bus *Bus
}

// Success publishes a NotifyEvent for a completed task.
func (n Notifier) Success(taskID, action string) {
	n.Bus.Publish(TopicNotifySuccess, NotifyEvent{TaskID: taskID, Action: action})
}
