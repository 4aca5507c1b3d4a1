package mqttsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bufferedTopics(items []*bufferedMessage) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.msg.Topic
	}
	return out
}

func TestOutboundBuffer(t *testing.T) {
	t.Run("disabled at zero capacity", func(t *testing.T) {
		assert.False(t, newOutboundBuffer(0, EvictDropOldest).enabled())
		assert.True(t, newOutboundBuffer(1, EvictDropOldest).enabled())
	})

	t.Run("fifo", func(t *testing.T) {
		b := newOutboundBuffer(10, EvictRejectNewest)
		for _, topic := range []string{"a", "b", "c"} {
			_, err := b.push(&bufferedMessage{msg: &Message{Topic: topic}})
			require.NoError(t, err)
		}

		assert.Equal(t, 3, b.len())
		assert.Equal(t, []string{"a", "b", "c"}, bufferedTopics(b.drain()))
		assert.Zero(t, b.len())
	})

	t.Run("reject newest", func(t *testing.T) {
		b := newOutboundBuffer(2, EvictRejectNewest)
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "a"}})
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "b"}})

		evicted, err := b.push(&bufferedMessage{msg: &Message{Topic: "c"}})
		assert.ErrorIs(t, err, ErrBufferFull)
		assert.Nil(t, evicted)
		assert.Equal(t, []string{"a", "b"}, bufferedTopics(b.drain()))
	})

	t.Run("drop oldest", func(t *testing.T) {
		b := newOutboundBuffer(2, EvictDropOldest)
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "a"}})
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "b"}})

		evicted, err := b.push(&bufferedMessage{msg: &Message{Topic: "c"}})
		require.NoError(t, err)
		require.NotNil(t, evicted)
		assert.Equal(t, "a", evicted.msg.Topic)
		assert.Equal(t, []string{"b", "c"}, bufferedTopics(b.drain()))
	})

	t.Run("requeue goes to the head", func(t *testing.T) {
		b := newOutboundBuffer(10, EvictRejectNewest)
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "a"}})
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "b"}})
		items := b.drain()

		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "c"}})
		b.requeue(items)

		assert.Equal(t, []string{"a", "b", "c"}, bufferedTopics(b.drain()))
	})

	t.Run("outbound ids", func(t *testing.T) {
		b := newOutboundBuffer(10, EvictRejectNewest)
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "a"}, outboundID: "1"})
		_, _ = b.push(&bufferedMessage{msg: &Message{Topic: "b"}})

		assert.Equal(t, map[string]struct{}{"1": {}}, b.outboundIDs())
	})
}

func TestEvictionPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    EvictionPolicy
		wantErr bool
	}{
		{"", EvictRejectNewest, false},
		{"reject_newest", EvictRejectNewest, false},
		{"drop_oldest", EvictDropOldest, false},
		{"Drop-Oldest", EvictDropOldest, false},
		{"lifo", EvictRejectNewest, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEvictionPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParsePolicy(t, got.String()))
		})
	}
}

func mustParsePolicy(t *testing.T, s string) EvictionPolicy {
	t.Helper()
	p, err := ParseEvictionPolicy(s)
	require.NoError(t, err)
	return p
}
