package mqttsession

import (
	"strconv"
	"time"
)

// MetricLabels represents key-value pairs for metric labels.
type MetricLabels map[string]string

// Metrics defines the interface for collecting metrics.
type Metrics interface {
	Counter(name string, labels MetricLabels) Counter
	Gauge(name string, labels MetricLabels) Gauge
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
	Sub(delta float64)
	Value() float64
}

// Histogram tracks the distribution of values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics is a no-op implementation of Metrics.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter     { return noOpMetric{} }
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge         { return noOpMetric{} }
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Set(_ float64)                   {}
func (noOpMetric) Inc()                            {}
func (noOpMetric) Dec()                            {}
func (noOpMetric) Add(_ float64)                   {}
func (noOpMetric) Sub(_ float64)                   {}
func (noOpMetric) Value() float64                  { return 0 }
func (noOpMetric) Observe(_ float64)               {}
func (noOpMetric) ObserveDuration(_ time.Duration) {}
func (noOpMetric) Count() uint64                   { return 0 }
func (noOpMetric) Sum() float64                    { return 0 }

// Metric names for the session layer.
const (
	MetricConnections         = "mqtt_session_connections"
	MetricConnectAttempts     = "mqtt_session_connect_attempts_total"
	MetricConnectFailures     = "mqtt_session_connect_failures_total"
	MetricReconnectAttempts   = "mqtt_session_reconnect_attempts_total"
	MetricConnectionsLost     = "mqtt_session_connections_lost_total"
	MetricTokensPending       = "mqtt_session_tokens_pending"
	MetricMessagesPublished   = "mqtt_session_messages_published_total"
	MetricMessagesDelivered   = "mqtt_session_messages_delivered_total"
	MetricMessagesArrived     = "mqtt_session_messages_arrived_total"
	MetricMessagesAcked       = "mqtt_session_messages_acknowledged_total"
	MetricMessagesRedelivered = "mqtt_session_messages_redelivered_total"
	MetricBufferedMessages    = "mqtt_session_buffered_messages"
	MetricBufferEvictions     = "mqtt_session_buffer_evictions_total"
	MetricPersistenceErrors   = "mqtt_session_persistence_errors_total"
	MetricConnectLatency      = "mqtt_session_connect_latency_seconds"
)

// Metric labels.
const (
	LabelQoS    = "qos"
	LabelKind   = "kind"
	LabelPolicy = "policy"
)

// SessionMetrics provides convenience methods for the session metrics.
type SessionMetrics struct {
	metrics Metrics
}

// NewSessionMetrics creates a new SessionMetrics. A nil m records nothing.
func NewSessionMetrics(m Metrics) *SessionMetrics {
	if m == nil {
		m = &NoOpMetrics{}
	}
	return &SessionMetrics{metrics: m}
}

func (s *SessionMetrics) ConnectStarted() {
	s.metrics.Counter(MetricConnectAttempts, nil).Inc()
}

func (s *SessionMetrics) Connected(latency time.Duration) {
	s.metrics.Gauge(MetricConnections, nil).Inc()
	s.metrics.Histogram(MetricConnectLatency, nil).ObserveDuration(latency)
}

func (s *SessionMetrics) ConnectFailed() {
	s.metrics.Counter(MetricConnectFailures, nil).Inc()
}

// Disconnected records the end of a live connection, graceful or not.
func (s *SessionMetrics) Disconnected(lost bool) {
	s.metrics.Gauge(MetricConnections, nil).Dec()
	if lost {
		s.metrics.Counter(MetricConnectionsLost, nil).Inc()
	}
}

func (s *SessionMetrics) ReconnectAttempt() {
	s.metrics.Counter(MetricReconnectAttempts, nil).Inc()
}

func (s *SessionMetrics) TokenIssued() {
	s.metrics.Gauge(MetricTokensPending, nil).Inc()
}

func (s *SessionMetrics) TokenRetired() {
	s.metrics.Gauge(MetricTokensPending, nil).Dec()
}

func (s *SessionMetrics) Published(qos byte) {
	s.metrics.Counter(MetricMessagesPublished, qosLabel(qos)).Inc()
}

func (s *SessionMetrics) Delivered(qos byte) {
	s.metrics.Counter(MetricMessagesDelivered, qosLabel(qos)).Inc()
}

func (s *SessionMetrics) Arrived(qos byte) {
	s.metrics.Counter(MetricMessagesArrived, qosLabel(qos)).Inc()
}

func (s *SessionMetrics) Acknowledged() {
	s.metrics.Counter(MetricMessagesAcked, nil).Inc()
}

func (s *SessionMetrics) Redelivered() {
	s.metrics.Counter(MetricMessagesRedelivered, nil).Inc()
}

func (s *SessionMetrics) BufferSize(n int) {
	s.metrics.Gauge(MetricBufferedMessages, nil).Set(float64(n))
}

func (s *SessionMetrics) BufferEvicted(policy EvictionPolicy) {
	s.metrics.Counter(MetricBufferEvictions, MetricLabels{LabelPolicy: policy.String()}).Inc()
}

func (s *SessionMetrics) PersistenceError(op string) {
	s.metrics.Counter(MetricPersistenceErrors, MetricLabels{LabelKind: op}).Inc()
}

func qosLabel(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: strconv.Itoa(int(qos))}
}
