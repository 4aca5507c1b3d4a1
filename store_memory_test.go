package mqttsession

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMessageStore(t *testing.T) {
	ctx := context.Background()
	const handle Handle = "tcp://b:1883:c:app"

	t.Run("arrived messages replay in arrival order", func(t *testing.T) {
		store := NewMemoryMessageStore()

		for i := range 3 {
			_, err := store.StoreArrived(ctx, handle, "t/"+strconv.Itoa(i), &Message{Payload: []byte{byte(i)}, QoS: QoS1})
			require.NoError(t, err)
		}

		rows, err := CollectStored(store.AllArrived(ctx, handle))
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, sm := range rows {
			assert.Equal(t, "t/"+strconv.Itoa(i), sm.Topic)
			assert.Equal(t, handle, sm.Handle)
			assert.Equal(t, QoS1, sm.QoS)
			assert.False(t, sm.Timestamp.IsZero())
		}
	})

	t.Run("ack removes from backlog", func(t *testing.T) {
		store := NewMemoryMessageStore()

		id1, err := store.StoreArrived(ctx, handle, "a", &Message{Payload: []byte("1")})
		require.NoError(t, err)
		id2, err := store.StoreArrived(ctx, handle, "b", &Message{Payload: []byte("2")})
		require.NoError(t, err)

		ok, err := store.Ack(ctx, handle, id1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Ack(ctx, handle, id1)
		require.NoError(t, err)
		assert.False(t, ok)

		rows, err := CollectStored(store.AllArrived(ctx, handle))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, id2, rows[0].ID)
	})

	t.Run("each replay is a fresh snapshot", func(t *testing.T) {
		store := NewMemoryMessageStore()
		_, err := store.StoreArrived(ctx, handle, "a", &Message{})
		require.NoError(t, err)

		seq := store.AllArrived(ctx, handle)
		first, err := CollectStored(seq)
		require.NoError(t, err)

		_, err = store.StoreArrived(ctx, handle, "b", &Message{})
		require.NoError(t, err)

		second, err := CollectStored(seq)
		require.NoError(t, err)

		assert.Len(t, first, 1)
		assert.Len(t, second, 2)
	})

	t.Run("replay can stop early", func(t *testing.T) {
		store := NewMemoryMessageStore()
		for range 5 {
			_, err := store.StoreArrived(ctx, handle, "a", &Message{})
			require.NoError(t, err)
		}

		n := 0
		for _, err := range store.AllArrived(ctx, handle) {
			require.NoError(t, err)
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})

	t.Run("stored payload is a copy", func(t *testing.T) {
		store := NewMemoryMessageStore()
		payload := []byte("abc")
		_, err := store.StoreArrived(ctx, handle, "a", &Message{Payload: payload})
		require.NoError(t, err)
		payload[0] = 'x'

		rows, err := CollectStored(store.AllArrived(ctx, handle))
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), rows[0].Payload)
	})

	t.Run("handles are isolated", func(t *testing.T) {
		store := NewMemoryMessageStore()
		_, err := store.StoreArrived(ctx, "h1", "a", &Message{})
		require.NoError(t, err)
		_, err = store.StoreOutbound(ctx, "h1", &Message{Topic: "o", QoS: QoS1})
		require.NoError(t, err)
		_, err = store.StoreArrived(ctx, "h2", "b", &Message{})
		require.NoError(t, err)

		require.NoError(t, store.DeleteAllFor(ctx, "h1"))

		arrived, outbound := store.Len("h1")
		assert.Zero(t, arrived)
		assert.Zero(t, outbound)

		arrived, _ = store.Len("h2")
		assert.Equal(t, 1, arrived)
	})

	t.Run("outbound rows", func(t *testing.T) {
		store := NewMemoryMessageStore()

		id, err := store.StoreOutbound(ctx, handle, &Message{Topic: "o", Payload: []byte("p"), QoS: QoS2, Retain: true})
		require.NoError(t, err)

		rows, err := CollectStored(store.AllOutbound(ctx, handle))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, "o", rows[0].Topic)
		assert.True(t, rows[0].Retained)
		assert.Equal(t, QoS2, rows[0].Message().QoS)

		ok, err := store.DeleteOutbound(ctx, handle, id)
		require.NoError(t, err)
		assert.True(t, ok)

		rows, err = CollectStored(store.AllOutbound(ctx, handle))
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("unknown id", func(t *testing.T) {
		store := NewMemoryMessageStore()
		ok, err := store.Ack(ctx, handle, "not-a-number")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("closed store fails with persistence error", func(t *testing.T) {
		store := NewMemoryMessageStore()
		require.NoError(t, store.Close())

		_, err := store.StoreArrived(ctx, handle, "a", &Message{})
		assert.ErrorIs(t, err, ErrPersistence)
		assert.ErrorIs(t, err, ErrStoreClosed)

		_, err = CollectStored(store.AllArrived(ctx, handle))
		assert.ErrorIs(t, err, ErrStoreClosed)
	})
}

func TestMemoryMessageStoreConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryMessageStore()
	const handle Handle = "h"

	ids := make(chan string, 200)
	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				id, err := store.StoreArrived(ctx, handle, "t", &Message{})
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}

	var acked sync.WaitGroup
	acked.Add(1)
	go func() {
		defer acked.Done()
		for id := range ids {
			ok, err := store.Ack(ctx, handle, id)
			assert.NoError(t, err)
			assert.True(t, ok)
		}
	}()

	wg.Wait()
	close(ids)
	acked.Wait()

	arrived, _ := store.Len(handle)
	assert.Zero(t, arrived)
}
