package mqttsession

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a notification published on the EventBus.
type EventKind int

const (
	EventConnectSuccess EventKind = iota + 1
	EventConnectFailure
	EventMessageArrived
	EventDeliveryComplete
	EventConnectionLost
	EventDisconnected
	EventReconnecting
	EventReconnectFailed
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnectSuccess:
		return "connect_success"
	case EventConnectFailure:
		return "connect_failure"
	case EventMessageArrived:
		return "message_arrived"
	case EventDeliveryComplete:
		return "delivery_complete"
	case EventConnectionLost:
		return "connection_lost"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnectFailed:
		return "reconnect_failed"
	default:
		return "unknown"
	}
}

// EventBus propagates Connection notifications to the host environment.
// Publish is called from the Connection's dispatcher goroutine, one event
// at a time and in engine order.
type EventBus interface {
	Publish(handle Handle, kind EventKind, payload any)
}

// EventBusFunc adapts a function to the EventBus interface.
type EventBusFunc func(handle Handle, kind EventKind, payload any)

// Publish calls f.
func (f EventBusFunc) Publish(handle Handle, kind EventKind, payload any) {
	f(handle, kind, payload)
}

// NoOpEventBus discards all events.
type NoOpEventBus struct{}

// Publish does nothing.
func (NoOpEventBus) Publish(_ Handle, _ EventKind, _ any) {}

// Event is the envelope delivered to BroadcastBus subscribers.
type Event struct {
	Handle  Handle
	Kind    EventKind
	Payload any
	Time    time.Time
}

// BroadcastBus is an in-process EventBus fanning events out to channels.
// A subscriber whose channel is full misses the event; see Dropped.
type BroadcastBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	dropped atomic.Uint64
	closed  bool
}

// NewBroadcastBus creates an empty bus.
func NewBroadcastBus() *BroadcastBus {
	return &BroadcastBus{subs: make(map[uint64]chan Event)}
}

// Subscribe registers a channel with the given buffer size.
// The returned function unsubscribes and closes the channel.
func (b *BroadcastBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
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

// Publish delivers the event to every subscriber without blocking.
func (b *BroadcastBus) Publish(handle Handle, kind EventKind, payload any) {
	evt := Event{Handle: handle, Kind: kind, Payload: payload, Time: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber channels.
func (b *BroadcastBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel.
func (b *BroadcastBus) Close() {
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

// ConnectedEvent is the payload of EventConnectSuccess.
type ConnectedEvent struct {
	ServerURI      string
	SessionPresent bool
	Reconnect      bool
}

// MessageArrivedEvent is the payload of EventMessageArrived.
// MessageID must be passed to Acknowledge once the application has consumed it.
// It is empty for messages that were not persisted.
type MessageArrivedEvent struct {
	MessageID string
	Message   *Message
	// Redelivered is true when the message comes from backlog replay.
	Redelivered bool
}

// DeliveryCompleteEvent is the payload of EventDeliveryComplete.
type DeliveryCompleteEvent struct {
	TokenID uint64
	Message *Message
}

// DisconnectedEvent is the payload of EventDisconnected.
type DisconnectedEvent struct {
	Err error
}

// ReconnectEvent is the payload of EventReconnecting.
type ReconnectEvent struct {
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	cancelFn    func()
}

// Cancel stops further reconnection attempts.
func (e *ReconnectEvent) Cancel() {
	if e.cancelFn != nil {
		e.cancelFn()
	}
}

// NewReconnectEvent creates a new ReconnectEvent.
func NewReconnectEvent(attempt, maxAttempts int, delay time.Duration, cancelFn func()) *ReconnectEvent {
	return &ReconnectEvent{
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Delay:       delay,
		cancelFn:    cancelFn,
	}
}

// ReconnectFailedError is the payload of EventReconnectFailed.
type ReconnectFailedError struct {
	Attempts int
	Cause    error
}

func (e *ReconnectFailedError) Error() string {
	if e.Cause != nil {
		return ErrReconnectFailed.Error() + ": " + e.Cause.Error()
	}
	return ErrReconnectFailed.Error()
}

func (e *ReconnectFailedError) Unwrap() error { return ErrReconnectFailed }
