// Package bus is the in-process pub/sub channel connecting bot connections to
// the registry, task engines, and the control gateway. Topics are dotted
// strings; subscribers match by prefix.
package bus

import (
	"strings"
	"sync"
	"time"
)

const subscriberBuffer = 128

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Connection event kinds, combined with a bot id via ConnTopic.
const (
	KindAuthenticated = "authenticated"
	KindAuthPrompt    = "auth_prompt"
	KindClubJoined    = "club_joined"
	KindMembership    = "membership"
	KindMicAccepted   = "mic_accepted"
	KindDisconnected  = "disconnected"
)

// Task progress topics.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
)

// ConnTopic builds the topic for a single connection's event kind.
func ConnTopic(botID, kind string) string {
	return "conn." + botID + "." + kind
}

// ConnPrefix is the subscription prefix covering all of one bot's events.
func ConnPrefix(botID string) string {
	return "conn." + botID + "."
}

// AuthenticatedEvent is published when a connection completes the handshake.
type AuthenticatedEvent struct {
	BotID string
}

// AuthPromptEvent is published when the platform demands a human-supplied
// authentication token mid-handshake.
type AuthPromptEvent struct {
	BotID   string
	BotName string
}

// ClubJoinedEvent is published on a join acknowledgment.
type ClubJoinedEvent struct {
	BotID    string
	ClubCode string
}

// MembershipEvent carries the outcome of a membership/permission probe.
type MembershipEvent struct {
	BotID      string
	Member     bool
	CanMessage bool
	CanMic     bool
	CheckedAt  time.Time
}

// MicAcceptedEvent is published after a mic invitation has been accepted.
type MicAcceptedEvent struct {
	BotID string
}

// DisconnectedEvent is published when a connection's transport closes.
// Unexpected is false only for explicit disconnects.
type DisconnectedEvent struct {
	BotID      string
	Unexpected bool
}

// TaskRunEvent is published when a task run starts or finishes.
type TaskRunEvent struct {
	Kind      string
	RunID     string
	Total     int
	Completed int
	Failed    int
}

// Subscription is a live registration on the bus.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel events are delivered on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Bus fans events out to prefix-matched subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for events whose topic starts with prefix. An empty
// prefix matches everything. Delivery is buffered and non-blocking: a slow
// subscriber misses events rather than stalling a connection's read loop.
func (b *Bus) Subscribe(prefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: prefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
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

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- ev:
			default:
				// Buffer full; the subscriber loses this event.
			}
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
