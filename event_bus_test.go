package mqttsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "connect_success", EventConnectSuccess.String())
	assert.Equal(t, "message_arrived", EventMessageArrived.String())
	assert.Equal(t, "reconnect_failed", EventReconnectFailed.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}

func TestEventBusFunc(t *testing.T) {
	var got EventKind
	var bus EventBus = EventBusFunc(func(_ Handle, kind EventKind, _ any) {
		got = kind
	})

	bus.Publish("h", EventDisconnected, nil)
	assert.Equal(t, EventDisconnected, got)

	NoOpEventBus{}.Publish("h", EventDisconnected, nil)
}

func TestBroadcastBus(t *testing.T) {
	t.Run("fans out to subscribers", func(t *testing.T) {
		bus := NewBroadcastBus()
		a, cancelA := bus.Subscribe(4)
		b, cancelB := bus.Subscribe(4)
		defer cancelA()
		defer cancelB()

		bus.Publish("h", EventConnectSuccess, &ConnectedEvent{ServerURI: "tcp://b:1883"})

		for _, ch := range []<-chan Event{a, b} {
			select {
			case evt := <-ch:
				assert.Equal(t, Handle("h"), evt.Handle)
				assert.Equal(t, EventConnectSuccess, evt.Kind)
				assert.False(t, evt.Time.IsZero())
			case <-time.After(time.Second):
				t.Fatal("event not delivered")
			}
		}
	})

	t.Run("full subscriber drops", func(t *testing.T) {
		bus := NewBroadcastBus()
		_, cancel := bus.Subscribe(1)
		defer cancel()

		bus.Publish("h", EventMessageArrived, nil)
		bus.Publish("h", EventMessageArrived, nil)

		assert.Equal(t, uint64(1), bus.Dropped())
	})

	t.Run("unsubscribe closes channel", func(t *testing.T) {
		bus := NewBroadcastBus()
		ch, cancel := bus.Subscribe(1)
		cancel()
		cancel()

		_, ok := <-ch
		assert.False(t, ok)
	})

	t.Run("close closes all", func(t *testing.T) {
		bus := NewBroadcastBus()
		ch, _ := bus.Subscribe(1)
		bus.Close()

		_, ok := <-ch
		assert.False(t, ok)

		late, _ := bus.Subscribe(1)
		_, ok = <-late
		assert.False(t, ok)

		bus.Publish("h", EventDisconnected, nil)
	})
}

func TestReconnectEventCancel(t *testing.T) {
	called := false
	evt := NewReconnectEvent(2, 5, time.Second, func() { called = true })
	evt.Cancel()
	require.True(t, called)

	NewReconnectEvent(1, 0, time.Second, nil).Cancel()
}
