package mqttsession

import (
	"sync"
	"sync/atomic"
	"time"
)

// WakeResource is a host resource that keeps the process from being
// suspended while network completions are pending.
type WakeResource interface {
	Hold()
	Unhold()
}

// WakeResourceFuncs adapts a pair of functions to WakeResource.
type WakeResourceFuncs struct {
	HoldFunc   func()
	UnholdFunc func()
}

func (w WakeResourceFuncs) Hold() {
	if w.HoldFunc != nil {
		w.HoldFunc()
	}
}

func (w WakeResourceFuncs) Unhold() {
	if w.UnholdFunc != nil {
		w.UnholdFunc()
	}
}

// DefaultMaxHold bounds how long a ResourceGuard keeps its resource held.
const DefaultMaxHold = 5 * time.Minute

// GuardOption configures a ResourceGuard.
type GuardOption func(*ResourceGuard)

// WithMaxHold sets the safety valve duration. Zero disables it.
func WithMaxHold(d time.Duration) GuardOption {
	return func(g *ResourceGuard) {
		g.maxHold = d
	}
}

// WithGuardLogger sets the logger used for forced releases.
func WithGuardLogger(l Logger) GuardOption {
	return func(g *ResourceGuard) {
		g.logger = l
	}
}

// ResourceGuard reference-counts leases on a WakeResource. The resource is
// held on the first acquire and released with the last release. If leases
// stay outstanding past the max hold duration every lease is force-released.
type ResourceGuard struct {
	resource WakeResource
	maxHold  time.Duration
	logger   Logger

	mu         sync.Mutex
	count      int
	generation uint64
	timer      *time.Timer
	forced     atomic.Uint64
}

// NewResourceGuard creates a guard for res. A nil res is allowed.
func NewResourceGuard(res WakeResource, opts ...GuardOption) *ResourceGuard {
	g := &ResourceGuard{
		resource: res,
		maxHold:  DefaultMaxHold,
		logger:   NewNoOpLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.resource == nil {
		g.resource = WakeResourceFuncs{}
	}
	return g
}

// Lease is one reference on a ResourceGuard. Release is idempotent.
type Lease struct {
	guard      *ResourceGuard
	reason     string
	generation uint64
	released   atomic.Bool
}

// Reason returns the label given to Acquire.
func (l *Lease) Reason() string { return l.reason }

// Release drops the reference. Releasing twice, or after a forced release,
// does nothing.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.guard.release(l.generation)
}

// Acquire takes a reference and holds the resource on the 0 to 1 transition.
func (g *ResourceGuard) Acquire(reason string) *Lease {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.count++
	if g.count == 1 {
		g.resource.Hold()
		if g.maxHold > 0 {
			gen := g.generation
			g.timer = time.AfterFunc(g.maxHold, func() { g.forceRelease(gen) })
		}
	}

	return &Lease{guard: g, reason: reason, generation: g.generation}
}

// Count returns the number of outstanding leases.
func (g *ResourceGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Held reports whether the resource is currently held.
func (g *ResourceGuard) Held() bool {
	return g.Count() > 0
}

// ForcedReleases returns how often the safety valve fired.
func (g *ResourceGuard) ForcedReleases() uint64 {
	return g.forced.Load()
}

func (g *ResourceGuard) release(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if generation != g.generation || g.count == 0 {
		return
	}

	g.count--
	if g.count == 0 {
		g.unholdLocked()
	}
}

func (g *ResourceGuard) forceRelease(generation uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if generation != g.generation || g.count == 0 {
		return
	}

	g.logger.Warn("resource held past max duration, forcing release", LogFields{
		"leases":      g.count,
		LogFieldDelay: g.maxHold.String(),
	})

	g.count = 0
	g.forced.Add(1)
	g.unholdLocked()
}

func (g *ResourceGuard) unholdLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.generation++
	g.resource.Unhold()
}
