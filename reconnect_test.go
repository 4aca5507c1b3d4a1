package mqttsession

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectPolicyDelay(t *testing.T) {
	p := ReconnectPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	t.Run("jitter stays within bound", func(t *testing.T) {
		jp := p
		jp.Jitter = 0.5
		for range 20 {
			d := jp.Delay(1)
			assert.GreaterOrEqual(t, d, 100*time.Millisecond)
			assert.LessOrEqual(t, d, 150*time.Millisecond)
		}
	})

	t.Run("zero base falls back", func(t *testing.T) {
		assert.Equal(t, time.Second, ReconnectPolicy{}.Delay(1))
	})
}

type reconnectRecorder struct {
	mu       sync.Mutex
	attempts []int
	events   []EventKind
	payloads []any
	accept   atomic.Bool
}

func newReconnectRecorder() *reconnectRecorder {
	r := &reconnectRecorder{}
	r.accept.Store(true)
	return r
}

func (r *reconnectRecorder) hooks() reconnectHooks {
	return reconnectHooks{
		attempt: func(n int) bool {
			r.mu.Lock()
			r.attempts = append(r.attempts, n)
			r.mu.Unlock()
			return r.accept.Load()
		},
		emit: func(kind EventKind, payload any) {
			r.mu.Lock()
			r.events = append(r.events, kind)
			r.payloads = append(r.payloads, payload)
			r.mu.Unlock()
		},
	}
}

func (r *reconnectRecorder) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func (r *reconnectRecorder) eventKinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.events...)
}

func newTestManager(policy ReconnectPolicy, rec *reconnectRecorder) *ReconnectManager {
	return newReconnectManager(policy, rec.hooks(), NewNoOpLogger(), NewSessionMetrics(nil))
}

func fastPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:   true,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  40 * time.Millisecond,
	}
}

func TestReconnectManager(t *testing.T) {
	t.Run("schedules exactly one attempt", func(t *testing.T) {
		rec := newReconnectRecorder()
		m := newTestManager(fastPolicy(), rec)

		assert.True(t, m.ConnectionLost(false))
		assert.False(t, m.ConnectionLost(false))
		assert.True(t, m.Pending())

		require.Eventually(t, func() bool { return rec.attemptCount() == 1 }, time.Second, time.Millisecond)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, 1, rec.attemptCount())
		assert.Equal(t, []EventKind{EventReconnecting}, rec.eventKinds())

		evt, ok := rec.payloads[0].(*ReconnectEvent)
		require.True(t, ok)
		assert.Equal(t, 1, evt.Attempt)
		assert.Equal(t, 10*time.Millisecond, evt.Delay)
	})

	t.Run("cancel before firing prevents the attempt", func(t *testing.T) {
		rec := newReconnectRecorder()
		policy := fastPolicy()
		policy.BaseDelay = 50 * time.Millisecond
		m := newTestManager(policy, rec)

		require.True(t, m.ConnectionLost(false))
		m.Cancel()

		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, rec.attemptCount())
		assert.False(t, m.Pending())

		assert.False(t, m.ConnectionLost(false), "suppressed until resumed")
		m.Resume()
		assert.True(t, m.ConnectionLost(false))
		m.Stop()
	})

	t.Run("reconnect event cancel", func(t *testing.T) {
		rec := newReconnectRecorder()
		policy := fastPolicy()
		policy.BaseDelay = 50 * time.Millisecond
		m := newTestManager(policy, rec)

		require.True(t, m.ConnectionLost(false))
		rec.payloads[0].(*ReconnectEvent).Cancel()

		time.Sleep(100 * time.Millisecond)
		assert.Zero(t, rec.attemptCount())
	})

	t.Run("clean session and disabled policy never retry", func(t *testing.T) {
		rec := newReconnectRecorder()
		assert.False(t, newTestManager(fastPolicy(), rec).ConnectionLost(true))

		disabled := fastPolicy()
		disabled.Enabled = false
		assert.False(t, newTestManager(disabled, rec).ConnectionLost(false))
		assert.Empty(t, rec.eventKinds())
	})

	t.Run("failed attempts back off until exhausted", func(t *testing.T) {
		rec := newReconnectRecorder()
		policy := fastPolicy()
		policy.MaxAttempts = 2
		m := newTestManager(policy, rec)

		require.True(t, m.ConnectionLost(false))
		require.Eventually(t, func() bool { return rec.attemptCount() == 1 }, time.Second, time.Millisecond)

		require.True(t, m.AttemptFailed(errors.New("refused")))
		require.Eventually(t, func() bool { return rec.attemptCount() == 2 }, time.Second, time.Millisecond)
		assert.Equal(t, 2, m.Attempts())

		assert.False(t, m.AttemptFailed(errors.New("refused")))
		kinds := rec.eventKinds()
		assert.Equal(t, EventReconnectFailed, kinds[len(kinds)-1])

		failed, ok := rec.payloads[len(rec.payloads)-1].(*ReconnectFailedError)
		require.True(t, ok)
		assert.Equal(t, 2, failed.Attempts)
		assert.ErrorIs(t, failed, ErrReconnectFailed)
	})

	t.Run("success resets attempts", func(t *testing.T) {
		rec := newReconnectRecorder()
		m := newTestManager(fastPolicy(), rec)

		require.True(t, m.ConnectionLost(false))
		require.Eventually(t, func() bool { return rec.attemptCount() == 1 }, time.Second, time.Millisecond)

		m.Succeeded()
		assert.Zero(t, m.Attempts())
		assert.False(t, m.Pending())
	})

	t.Run("refused attempt clears in-flight state", func(t *testing.T) {
		rec := newReconnectRecorder()
		rec.accept.Store(false)
		m := newTestManager(fastPolicy(), rec)

		require.True(t, m.ConnectionLost(false))
		require.Eventually(t, func() bool { return rec.attemptCount() == 1 }, time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return !m.Pending() }, time.Second, time.Millisecond)
	})

	t.Run("network signal triggers immediately and is throttled", func(t *testing.T) {
		rec := newReconnectRecorder()
		policy := fastPolicy()
		policy.BaseDelay = time.Hour
		policy.MaxDelay = time.Hour
		policy.MinSignalInterval = time.Hour
		m := newTestManager(policy, rec)

		require.True(t, m.ConnectionLost(false))
		assert.True(t, m.NetworkAvailable())
		require.Eventually(t, func() bool { return rec.attemptCount() == 1 }, time.Second, time.Millisecond)

		assert.False(t, m.NetworkAvailable(), "attempt still in flight")

		require.True(t, m.AttemptFailed(errors.New("down")))
		assert.False(t, m.NetworkAvailable(), "throttled")
		m.Stop()
	})
}
