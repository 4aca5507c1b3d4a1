package mqttsession

import (
	"time"

	"github.com/google/uuid"
)

// ClientIDPrefix prefixes generated client identifiers.
const ClientIDPrefix = "mqttsession-"

// GenerateClientID returns a random client identifier.
func GenerateClientID() string {
	return ClientIDPrefix + uuid.NewString()
}

// connectionOptions holds configuration for a Connection.
type connectionOptions struct {
	logger   Logger
	metrics  Metrics
	store    MessageStore
	eventBus EventBus
	guard    *ResourceGuard
	callback Callback

	reconnect ReconnectPolicy

	// Outbound buffering; capacity 0 disables it.
	bufferCapacity int
	bufferPolicy   EvictionPolicy

	quiesce      time.Duration
	storeTimeout time.Duration
}

func defaultOptions() *connectionOptions {
	return &connectionOptions{
		logger:       NewNoOpLogger(),
		metrics:      &NoOpMetrics{},
		eventBus:     NoOpEventBus{},
		reconnect:    DefaultReconnectPolicy(),
		bufferPolicy: EvictRejectNewest,
		quiesce:      30 * time.Second,
		storeTimeout: 5 * time.Second,
	}
}

// Option configures a Connection.
type Option func(*connectionOptions)

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *connectionOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *connectionOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithMessageStore enables persistence of arrived and outbound messages.
func WithMessageStore(s MessageStore) Option {
	return func(o *connectionOptions) {
		o.store = s
	}
}

// WithEventBus sets the bus receiving connection events.
func WithEventBus(b EventBus) Option {
	return func(o *connectionOptions) {
		if b != nil {
			o.eventBus = b
		}
	}
}

// WithResourceGuard shares a ResourceGuard across connections.
func WithResourceGuard(g *ResourceGuard) Option {
	return func(o *connectionOptions) {
		o.guard = g
	}
}

// WithCallback sets the initial application callback.
func WithCallback(cb Callback) Option {
	return func(o *connectionOptions) {
		o.callback = cb
	}
}

// WithReconnectPolicy sets the reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *connectionOptions) {
		o.reconnect = p
	}
}

// WithBuffering enables buffering of publishes while disconnected.
func WithBuffering(capacity int, policy EvictionPolicy) Option {
	return func(o *connectionOptions) {
		o.bufferCapacity = capacity
		o.bufferPolicy = policy
	}
}

// WithQuiesce sets the quiesce timeout used by Disconnect.
func WithQuiesce(d time.Duration) Option {
	return func(o *connectionOptions) {
		o.quiesce = d
	}
}

// WithStoreTimeout bounds each MessageStore call made by the connection.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *connectionOptions) {
		if d > 0 {
			o.storeTimeout = d
		}
	}
}
