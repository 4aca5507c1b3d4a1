// Package storetest checks a mqttsession.MessageStore implementation against
// the behavior a Connection relies on.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttsession"
)

// Opener returns a new, empty store. The suite closes it.
type Opener func(t *testing.T) mqttsession.MessageStore

// Run runs the store contract against stores built by open.
func Run(t *testing.T, open Opener) {
	t.Helper()

	t.Run("arrival order", func(t *testing.T) { testArrivalOrder(t, open(t)) })
	t.Run("ack", func(t *testing.T) { testAck(t, open(t)) })
	t.Run("outbound", func(t *testing.T) { testOutbound(t, open(t)) })
	t.Run("handle isolation", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("delete all", func(t *testing.T) { testDeleteAll(t, open(t)) })
	t.Run("ids survive delete all", func(t *testing.T) { testIDsAfterDeleteAll(t, open(t)) })
	t.Run("fresh snapshot", func(t *testing.T) { testSnapshot(t, open(t)) })
	t.Run("concurrent writers", func(t *testing.T) { testConcurrent(t, open(t)) })
	t.Run("closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func collect(t *testing.T, s mqttsession.MessageStore, handle mqttsession.Handle) []*mqttsession.StoredMessage {
	t.Helper()
	rows, err := mqttsession.CollectStored(s.AllArrived(context.Background(), handle))
	require.NoError(t, err)
	return rows
}

func topics(rows []*mqttsession.StoredMessage) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Topic
	}
	return out
}

func testArrivalOrder(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	want := make([]string, 0, 12)
	for i := range 12 {
		topic := fmt.Sprintf("t/%02d", i)
		want = append(want, topic)
		id, err := s.StoreArrived(ctx, "h", topic, &mqttsession.Message{
			Payload: []byte(topic),
			QoS:     mqttsession.QoS1,
			Retain:  i%2 == 0,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, id)
	}

	rows := collect(t, s, "h")
	assert.Equal(t, want, topics(rows))

	first := rows[0]
	assert.Equal(t, mqttsession.Handle("h"), first.Handle)
	assert.Equal(t, []byte("t/00"), first.Payload)
	assert.Equal(t, mqttsession.QoS1, first.QoS)
	assert.True(t, first.Retained)
	assert.False(t, first.Timestamp.IsZero())
}

func testAck(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	a, err := s.StoreArrived(ctx, "h", "a", &mqttsession.Message{})
	require.NoError(t, err)
	b, err := s.StoreArrived(ctx, "h", "b", &mqttsession.Message{})
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	ok, err := s.Ack(ctx, "h", a)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Ack(ctx, "h", a)
	require.NoError(t, err)
	assert.False(t, ok, "second ack")

	ok, err = s.Ack(ctx, "other", b)
	require.NoError(t, err)
	assert.False(t, ok, "wrong handle")

	ok, err = s.Ack(ctx, "h", "not-an-id")
	require.NoError(t, err)
	assert.False(t, ok, "unknown id")

	assert.Equal(t, []string{"b"}, topics(collect(t, s, "h")))
}

func testOutbound(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	first, err := s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "out/1", QoS: mqttsession.QoS1})
	require.NoError(t, err)
	_, err = s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "out/2", QoS: mqttsession.QoS2})
	require.NoError(t, err)

	rows, err := mqttsession.CollectStored(s.AllOutbound(ctx, "h"))
	require.NoError(t, err)
	assert.Equal(t, []string{"out/1", "out/2"}, topics(rows))
	assert.Empty(t, collect(t, s, "h"), "outbound rows are not arrivals")

	ok, err := s.DeleteOutbound(ctx, "h", first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeleteOutbound(ctx, "h", first)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err = mqttsession.CollectStored(s.AllOutbound(ctx, "h"))
	require.NoError(t, err)
	assert.Equal(t, []string{"out/2"}, topics(rows))
}

func testIsolation(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.StoreArrived(ctx, "tcp://b:1883:c1:app", "one", &mqttsession.Message{})
	require.NoError(t, err)
	_, err = s.StoreArrived(ctx, "tcp://b:1883:c2:app", "two", &mqttsession.Message{})
	require.NoError(t, err)

	assert.Equal(t, []string{"one"}, topics(collect(t, s, "tcp://b:1883:c1:app")))
	assert.Equal(t, []string{"two"}, topics(collect(t, s, "tcp://b:1883:c2:app")))
	assert.Empty(t, collect(t, s, "tcp://b:1883:c3:app"))
}

func testDeleteAll(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	_, err := s.StoreArrived(ctx, "h", "in", &mqttsession.Message{})
	require.NoError(t, err)
	_, err = s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "out"})
	require.NoError(t, err)
	_, err = s.StoreArrived(ctx, "keep", "kept", &mqttsession.Message{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllFor(ctx, "h"))
	require.NoError(t, s.DeleteAllFor(ctx, "h"))

	assert.Empty(t, collect(t, s, "h"))
	rows, err := mqttsession.CollectStored(s.AllOutbound(ctx, "h"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, []string{"kept"}, topics(collect(t, s, "keep")))

	_, err = s.StoreArrived(ctx, "h", "after", &mqttsession.Message{})
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, topics(collect(t, s, "h")))
}

// testIDsAfterDeleteAll checks that an id handed out before a purge never
// names a row written after it, so a late ack cannot remove a new message.
func testIDsAfterDeleteAll(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	oldArrived, err := s.StoreArrived(ctx, "h", "old", &mqttsession.Message{QoS: mqttsession.QoS1})
	require.NoError(t, err)
	oldOutbound, err := s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "old", QoS: mqttsession.QoS1})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllFor(ctx, "h"))

	newArrived, err := s.StoreArrived(ctx, "h", "new", &mqttsession.Message{QoS: mqttsession.QoS1})
	require.NoError(t, err)
	newOutbound, err := s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "new", QoS: mqttsession.QoS1})
	require.NoError(t, err)

	assert.NotEqual(t, oldArrived, newArrived)
	assert.NotEqual(t, oldOutbound, newOutbound)

	removed, err := s.Ack(ctx, "h", oldArrived)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.DeleteOutbound(ctx, "h", oldOutbound)
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{"new"}, topics(collect(t, s, "h")))
	rows, err := mqttsession.CollectStored(s.AllOutbound(ctx, "h"))
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, topics(rows))
}

func testSnapshot(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	id, err := s.StoreArrived(ctx, "h", "a", &mqttsession.Message{})
	require.NoError(t, err)

	seq := s.AllArrived(ctx, "h")
	first, err := mqttsession.CollectStored(seq)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = s.Ack(ctx, "h", id)
	require.NoError(t, err)

	second, err := mqttsession.CollectStored(s.AllArrived(ctx, "h"))
	require.NoError(t, err)
	assert.Empty(t, second)

	// Stopping early must not fail.
	_, err = s.StoreArrived(ctx, "h", "b", &mqttsession.Message{})
	require.NoError(t, err)
	_, err = s.StoreArrived(ctx, "h", "c", &mqttsession.Message{})
	require.NoError(t, err)
	for sm, err := range s.AllArrived(ctx, "h") {
		require.NoError(t, err)
		assert.Equal(t, "b", sm.Topic)
		break
	}
}

func testConcurrent(t *testing.T, s mqttsession.MessageStore) {
	defer s.Close()
	ctx := context.Background()

	const writers, perWriter = 8, 25

	var mu sync.Mutex
	ids := make(map[string]struct{})

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				id, err := s.StoreArrived(ctx, "h", fmt.Sprintf("w%d/%d", w, i), &mqttsession.Message{})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, writers*perWriter, "ids must be unique")
	assert.Len(t, collect(t, s, "h"), writers*perWriter)
}

func testClosed(t *testing.T, s mqttsession.MessageStore) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	_, err := s.StoreArrived(ctx, "h", "t", &mqttsession.Message{})
	assert.ErrorIs(t, err, mqttsession.ErrPersistence)

	_, err = s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "t"})
	assert.ErrorIs(t, err, mqttsession.ErrPersistence)

	_, err = mqttsession.CollectStored(s.AllArrived(ctx, "h"))
	assert.ErrorIs(t, err, mqttsession.ErrPersistence)

	var perr *mqttsession.PersistenceError
	err = s.DeleteAllFor(ctx, "h")
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, mqttsession.OpDeleteAll, perr.Op)
	assert.Equal(t, mqttsession.Handle("h"), perr.Handle)
}
