package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// EventType names a session event.
type EventType string

// Session events.
const (
	EventSessionCreated    EventType = "session.created"
	EventAgentConnected    EventType = "agent.connected"
	EventAgentDisconnected EventType = "agent.disconnected"
	EventAgentWaiting      EventType = "agent.waiting"
	EventAgentClosed       EventType = "agent.closed"
	EventMessagePosted     EventType = "message.posted"
	EventMessageDelivered  EventType = "message.delivered"
	EventSessionEnding     EventType = "session.ending"
	EventSessionEnded      EventType = "session.ended"
	EventSessionEvicted    EventType = "session.evicted"
)

// Event is a lifecycle or delivery notification. Events are best-effort.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Namespace string    `json:"namespace"`
	SessionID string    `json:"sessionId"`
	Agent     string    `json:"agent,omitempty"`
	Thread    string    `json:"thread,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Time      time.Time `json:"time"`
}

// Key returns the key of the session the event belongs to.
func (e Event) Key() Key {
	return Key{Namespace: e.Namespace, ID: e.SessionID}
}

func newEvent(key Key, typ EventType) Event {
	return Event{
		ID:        ulid.Make().String(),
		Type:      typ,
		Namespace: key.Namespace,
		SessionID: key.ID,
		Time:      time.Now().UTC(),
	}
}

// EventBus fans session events out to sinks and subscribers. Sinks are
// called synchronously with panic recovery; subscriber channels never block
// the publisher and drop events when full.
type EventBus struct {
	logger *zap.Logger
	sinks  []EventSink

	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64
	closed  bool

	dropped *atomic.Uint64
}

func newEventBus(logger *zap.Logger, sinks []EventSink, dropped *atomic.Uint64) *EventBus {
	if dropped == nil {
		dropped = new(atomic.Uint64)
	}
	return &EventBus{
		logger:  logger,
		sinks:   sinks,
		subs:    make(map[uint64]chan Event),
		dropped: dropped,
	}
}

// Subscribe returns a channel of future events and a cancel function.
// The channel is closed on cancel or when the session is evicted.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *EventBus) publish(events ...Event) {
	for _, e := range events {
		for _, sink := range b.sinks {
			b.call(sink, e)
		}

		b.mu.RLock()
		for _, ch := range b.subs {
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}
}

func (b *EventBus) call(sink EventSink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event sink panicked",
				zap.String("event", string(e.Type)),
				zap.Any("panic", r))
		}
	}()
	sink.HandleEvent(e)
}

func (b *EventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
