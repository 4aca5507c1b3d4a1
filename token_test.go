package mqttsession

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenKindString(t *testing.T) {
	assert.Equal(t, "CONNECT", TokenConnect.String())
	assert.Equal(t, "DISCONNECT", TokenDisconnect.String())
	assert.Equal(t, "PUBLISH", TokenPublish.String())
	assert.Equal(t, "SUBSCRIBE", TokenSubscribe.String())
	assert.Equal(t, "UNSUBSCRIBE", TokenUnsubscribe.String())
	assert.Equal(t, "UNKNOWN", TokenKind(0).String())
}

func TestTokenTracker(t *testing.T) {
	t.Run("ids increase monotonically", func(t *testing.T) {
		tt := NewTokenTracker("h")

		a := tt.Issue(TokenPublish)
		b := tt.Issue(TokenSubscribe, withTopics([]string{"a/#"}))

		assert.Less(t, a.ID(), b.ID())
		assert.Equal(t, 2, tt.Pending())
		assert.Equal(t, []string{"a/#"}, b.Topics())
	})

	t.Run("resolve completes once", func(t *testing.T) {
		tt := NewTokenTracker("h")
		tok := tt.Issue(TokenConnect)

		assert.False(t, tok.IsComplete())
		assert.True(t, tt.Resolve(tok.ID()))
		assert.True(t, tok.IsComplete())
		assert.NoError(t, tok.Error())

		assert.False(t, tt.Resolve(tok.ID()))
		assert.False(t, tt.Fail(tok.ID(), errors.New("late")))
		assert.NoError(t, tok.Error())
		assert.Zero(t, tt.Pending())
	})

	t.Run("fail wraps with context", func(t *testing.T) {
		tt := NewTokenTracker("tcp://b:1883:c:app")
		tok := tt.Issue(TokenPublish)

		require.True(t, tt.Fail(tok.ID(), ErrNotConnected))

		err := tok.Wait()
		assert.ErrorIs(t, err, ErrNotConnected)

		var opErr *OperationError
		require.ErrorAs(t, err, &opErr)
		assert.Equal(t, Handle("tcp://b:1883:c:app"), opErr.Handle)
		assert.Equal(t, TokenPublish, opErr.Kind)
		assert.Equal(t, tok.ID(), opErr.TokenID)
	})

	t.Run("stale id is a no-op", func(t *testing.T) {
		tt := NewTokenTracker("h")
		assert.False(t, tt.Resolve(42))
		assert.False(t, tt.Fail(42, errors.New("x")))
	})

	t.Run("lookup does not retire", func(t *testing.T) {
		tt := NewTokenTracker("h")
		tok := tt.Issue(TokenPublish)

		got, ok := tt.Lookup(tok.ID())
		require.True(t, ok)
		assert.Same(t, tok, got)
		assert.Equal(t, 1, tt.Pending())

		tt.Resolve(tok.ID())
		_, ok = tt.Lookup(tok.ID())
		assert.False(t, ok)
	})

	t.Run("fail all", func(t *testing.T) {
		tt := NewTokenTracker("h")
		toks := []*Token{tt.Issue(TokenPublish), tt.Issue(TokenSubscribe), tt.Issue(TokenConnect)}
		tt.Resolve(toks[1].ID())

		assert.Equal(t, 2, tt.FailAll(ErrConnectionClosed))
		assert.ErrorIs(t, toks[0].Error(), ErrConnectionClosed)
		assert.NoError(t, toks[1].Error())
		assert.ErrorIs(t, toks[2].Error(), ErrConnectionClosed)
	})

	t.Run("on complete runs once", func(t *testing.T) {
		tt := NewTokenTracker("h")
		var calls atomic.Int32
		tok := tt.Issue(TokenPublish, WithOnComplete(func(*Token) { calls.Add(1) }))

		tt.Resolve(tok.ID())
		tt.Fail(tok.ID(), errors.New("again"))

		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("metrics track pending tokens", func(t *testing.T) {
		mem := NewMemoryMetrics()
		tt := NewTokenTracker("h")
		tt.metrics = NewSessionMetrics(mem)

		a := tt.Issue(TokenPublish)
		tt.Issue(TokenPublish)
		tt.Resolve(a.ID())

		assert.Equal(t, float64(1), mem.GaugeValue(MetricTokensPending, nil))
	})
}

func TestTokenResolvedExactlyOnceUnderConcurrency(t *testing.T) {
	for range 50 {
		tt := NewTokenTracker("h")
		var callbacks atomic.Int32
		tok := tt.Issue(TokenPublish, WithOnComplete(func(*Token) { callbacks.Add(1) }))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				var ok bool
				if i%2 == 0 {
					ok = tt.Resolve(tok.ID())
				} else {
					ok = tt.Fail(tok.ID(), errors.New("fail"))
				}
				if ok {
					wins.Add(1)
				}
			}()
		}

		close(start)
		wg.Wait()

		require.Equal(t, int32(1), wins.Load())
		require.Equal(t, int32(1), callbacks.Load())
		require.True(t, tok.IsComplete())
		require.Zero(t, tt.Pending())
	}
}

func TestTokenWait(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		tt := NewTokenTracker("h")
		tok := tt.Issue(TokenSubscribe)

		err := tok.WaitTimeout(10 * time.Millisecond)
		assert.ErrorIs(t, err, ErrOperationTimeout)
		assert.False(t, tok.IsComplete())

		err = WaitForCompletion(tok, 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrOperationTimeout)
	})

	t.Run("context", func(t *testing.T) {
		tt := NewTokenTracker("h")
		tok := tt.Issue(TokenSubscribe)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, tok.WaitContext(ctx), context.Canceled)
	})

	t.Run("completes while waiting", func(t *testing.T) {
		tt := NewTokenTracker("h")
		tok := tt.Issue(TokenConnect)

		go func() {
			time.Sleep(10 * time.Millisecond)
			tt.Resolve(tok.ID())
		}()

		assert.NoError(t, tok.WaitTimeout(time.Second))
		select {
		case <-tok.Done():
		default:
			t.Fatal("done channel not closed")
		}
	})
}
