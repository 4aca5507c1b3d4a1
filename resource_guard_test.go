package mqttsession

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingResource struct {
	mu      sync.Mutex
	holds   int
	unholds int
}

func (r *countingResource) Hold() {
	r.mu.Lock()
	r.holds++
	r.mu.Unlock()
}

func (r *countingResource) Unhold() {
	r.mu.Lock()
	r.unholds++
	r.mu.Unlock()
}

func (r *countingResource) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holds, r.unholds
}

func TestResourceGuard(t *testing.T) {
	t.Run("holds on first acquire and releases on last", func(t *testing.T) {
		res := &countingResource{}
		g := NewResourceGuard(res)

		a := g.Acquire("connect")
		b := g.Acquire("publish")
		assert.Equal(t, 2, g.Count())
		assert.True(t, g.Held())
		assert.Equal(t, "publish", b.Reason())

		a.Release()
		holds, unholds := res.counts()
		assert.Equal(t, 1, holds)
		assert.Zero(t, unholds)

		b.Release()
		holds, unholds = res.counts()
		assert.Equal(t, 1, holds)
		assert.Equal(t, 1, unholds)
		assert.False(t, g.Held())
	})

	t.Run("release is idempotent", func(t *testing.T) {
		res := &countingResource{}
		g := NewResourceGuard(res)

		a := g.Acquire("a")
		b := g.Acquire("b")
		a.Release()
		a.Release()

		assert.Equal(t, 1, g.Count())
		b.Release()
		assert.Zero(t, g.Count())

		var nilLease *Lease
		nilLease.Release()
	})

	t.Run("max hold forces release", func(t *testing.T) {
		res := &countingResource{}
		g := NewResourceGuard(res, WithMaxHold(20*time.Millisecond))

		stale := g.Acquire("lost")

		require.Eventually(t, func() bool { return !g.Held() }, time.Second, 5*time.Millisecond)
		assert.Equal(t, uint64(1), g.ForcedReleases())

		_, unholds := res.counts()
		assert.Equal(t, 1, unholds)

		fresh := g.Acquire("new")
		stale.Release()
		assert.Equal(t, 1, g.Count(), "stale lease must not release a newer hold")
		fresh.Release()
		assert.Zero(t, g.Count())
	})

	t.Run("nil resource", func(t *testing.T) {
		g := NewResourceGuard(nil, WithMaxHold(0))
		g.Acquire("x").Release()
		assert.False(t, g.Held())
	})

	t.Run("func adapter", func(t *testing.T) {
		held := false
		g := NewResourceGuard(WakeResourceFuncs{
			HoldFunc:   func() { held = true },
			UnholdFunc: func() { held = false },
		})

		l := g.Acquire("x")
		assert.True(t, held)
		l.Release()
		assert.False(t, held)
	})
}
