package mqttsession

import (
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ReconnectPolicy governs whether and how often a lost connection is retried.
// Retries only happen for durable sessions; a clean-session loss is terminal.
type ReconnectPolicy struct {
	Enabled bool

	// BaseDelay is the wait before the first attempt. It doubles per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	MaxDelay time.Duration

	// MaxAttempts bounds consecutive failed attempts. Zero means unlimited.
	MaxAttempts int

	// Jitter adds up to Jitter*delay of random delay, between 0 and 1.
	Jitter float64

	// MinSignalInterval throttles immediate attempts triggered by
	// network-availability signals.
	MinSignalInterval time.Duration
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:           true,
		BaseDelay:         1 * time.Second,
		MaxDelay:          60 * time.Second,
		MinSignalInterval: 1 * time.Second,
	}
}

// Delay returns the backoff before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// reconnectHooks connects a ReconnectManager to its Connection.
type reconnectHooks struct {
	// attempt starts one reconnect attempt. It returns false when the
	// connection is not in a state that allows it.
	attempt func(n int) bool
	emit    func(kind EventKind, payload any)
}

// ReconnectManager schedules reconnect attempts for one Connection.
// At most one attempt is scheduled or running at any time.
type ReconnectManager struct {
	policy  ReconnectPolicy
	hooks   reconnectHooks
	limiter *rate.Limiter
	logger  Logger
	metrics *SessionMetrics

	mu         sync.Mutex
	timer      *time.Timer
	generation uint64
	scheduled  bool
	inFlight   bool
	attempts   int
	suppressed bool
	stopped    bool
}

func newReconnectManager(policy ReconnectPolicy, hooks reconnectHooks, logger Logger, metrics *SessionMetrics) *ReconnectManager {
	interval := policy.MinSignalInterval
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ReconnectManager{
		policy:  policy,
		hooks:   hooks,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		metrics: metrics,
	}
}

// Policy returns the configured policy.
func (m *ReconnectManager) Policy() ReconnectPolicy {
	return m.policy
}

// ConnectionLost reacts to an unexpected loss. It returns true when a
// reconnect attempt was scheduled.
func (m *ReconnectManager) ConnectionLost(cleanSession bool) bool {
	if cleanSession {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts = 0
	return m.scheduleLocked(nil)
}

// WillRetry reports whether a loss of a session with the given clean flag
// would be retried.
func (m *ReconnectManager) WillRetry(cleanSession bool) bool {
	if cleanSession {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy.Enabled && !m.suppressed && !m.stopped
}

// AttemptFailed records a failed attempt and schedules the next one,
// or reports EventReconnectFailed once MaxAttempts is reached.
func (m *ReconnectManager) AttemptFailed(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inFlight = false
	return m.scheduleLocked(cause)
}

// Succeeded resets the attempt counter after a connect completed.
func (m *ReconnectManager) Succeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.inFlight = false
	m.attempts = 0
}

// NetworkAvailable replaces a pending backoff with an immediate attempt.
// Signals arriving faster than MinSignalInterval are ignored.
func (m *ReconnectManager) NetworkAvailable() bool {
	m.mu.Lock()
	if !m.policy.Enabled || m.suppressed || m.stopped || m.inFlight {
		m.mu.Unlock()
		return false
	}
	if !m.limiter.Allow() {
		m.mu.Unlock()
		m.logger.Debug("network signal throttled", nil)
		return false
	}

	m.stopTimerLocked()
	m.attempts++
	attempt := m.attempts
	m.inFlight = true
	m.mu.Unlock()

	go m.run(attempt)
	return true
}

// Cancel drops any scheduled attempt and suppresses new ones until Resume.
// Explicit disconnects call it.
func (m *ReconnectManager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.attempts = 0
	m.inFlight = false
	m.suppressed = true
}

// Resume re-enables scheduling after Cancel. Explicit connects call it;
// a scheduled attempt is dropped since the explicit connect replaces it.
func (m *ReconnectManager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.inFlight = false
	m.suppressed = false
}

// Stop cancels for good.
func (m *ReconnectManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopTimerLocked()
	m.stopped = true
	m.suppressed = true
}

// Attempts returns the number of attempts since the last success.
func (m *ReconnectManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Pending reports whether an attempt is scheduled or running.
func (m *ReconnectManager) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled || m.inFlight
}

func (m *ReconnectManager) scheduleLocked(cause error) bool {
	if !m.policy.Enabled || m.suppressed || m.stopped {
		return false
	}
	if m.scheduled || m.inFlight {
		return false
	}
	if m.policy.MaxAttempts > 0 && m.attempts >= m.policy.MaxAttempts {
		m.logger.Warn("reconnect attempts exhausted", LogFields{
			LogFieldAttempt: m.attempts,
		})
		m.hooks.emit(EventReconnectFailed, &ReconnectFailedError{Attempts: m.attempts, Cause: cause})
		m.attempts = 0
		return false
	}

	m.attempts++
	attempt := m.attempts
	delay := m.policy.Delay(attempt)

	m.generation++
	gen := m.generation
	m.scheduled = true
	m.timer = time.AfterFunc(delay, func() { m.fire(gen, attempt) })

	m.logger.Info("reconnect scheduled", LogFields{
		LogFieldAttempt: attempt,
		LogFieldDelay:   delay.String(),
	})
	m.hooks.emit(EventReconnecting, NewReconnectEvent(attempt, m.policy.MaxAttempts, delay, m.Cancel))

	return true
}

func (m *ReconnectManager) fire(gen uint64, attempt int) {
	m.mu.Lock()
	if gen != m.generation || !m.scheduled {
		m.mu.Unlock()
		return
	}
	m.scheduled = false
	m.timer = nil
	m.inFlight = true
	m.mu.Unlock()

	m.run(attempt)
}

func (m *ReconnectManager) run(attempt int) {
	m.metrics.ReconnectAttempt()
	if m.hooks.attempt(attempt) {
		return
	}

	m.mu.Lock()
	m.inFlight = false
	m.mu.Unlock()
}

func (m *ReconnectManager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.scheduled = false
}
