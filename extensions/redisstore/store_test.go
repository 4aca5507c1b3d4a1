package redisstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/storetest"
)

// testClient connects to MQTTSESSION_REDIS_URL or skips the test.
func testClient(t *testing.T) *redis.Client {
	t.Helper()

	url := os.Getenv("MQTTSESSION_REDIS_URL")
	if url == "" {
		t.Skip("MQTTSESSION_REDIS_URL not set")
	}

	opts, err := redis.ParseURL(url)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return client
}

// cleanup removes every key under prefix.
func cleanup(t *testing.T, client *redis.Client, prefix string) {
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
}

func TestKeys(t *testing.T) {
	s := New(nil, "")
	assert.Equal(t, "mqttsession:{tcp://b:1883:c:app}:seq", s.seqKey("tcp://b:1883:c:app"))
	assert.Equal(t, "mqttsession:{h}:arrived", s.indexKey("h", tableArrived))
	assert.Equal(t, "mqttsession:{h}:outbound:data", s.dataKey("h", tableOutbound))

	s = New(nil, "custom")
	assert.Equal(t, "custom:{h}:arrived:data", s.dataKey("h", tableArrived))
}

func TestClosedWithoutClient(t *testing.T) {
	s := New(nil, "")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err := s.StoreArrived(ctx, "h", "t", &mqttsession.Message{})
	assert.ErrorIs(t, err, mqttsession.ErrStoreClosed)

	_, err = s.DeleteOutbound(ctx, "h", "x")
	assert.ErrorIs(t, err, mqttsession.ErrPersistence)

	_, err = mqttsession.CollectStored(s.AllOutbound(ctx, "h"))
	assert.ErrorIs(t, err, mqttsession.ErrStoreClosed)
}

func TestStoreContract(t *testing.T) {
	client := testClient(t)

	storetest.Run(t, func(t *testing.T) mqttsession.MessageStore {
		prefix := "mqttsession-test-" + uuid.NewString()
		cleanup(t, client, prefix)
		return New(client, prefix)
	})
}

func TestCleanupRemovesKeys(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()

	prefix := "mqttsession-test-" + uuid.NewString()
	cleanup(t, client, prefix)
	s := New(client, prefix)
	defer s.Close()

	_, err := s.StoreArrived(ctx, "h", "a", &mqttsession.Message{})
	require.NoError(t, err)
	_, err = s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "b"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteAllFor(ctx, "h"))

	n, err := client.Exists(ctx,
		s.seqKey("h"),
		s.indexKey("h", tableArrived), s.dataKey("h", tableArrived),
		s.indexKey("h", tableOutbound), s.dataKey("h", tableOutbound),
	).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
