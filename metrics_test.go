package mqttsession

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpMetrics(t *testing.T) {
	m := &NoOpMetrics{}

	c := m.Counter("c", nil)
	c.Inc()
	assert.Zero(t, c.Value())

	h := m.Histogram("h", nil)
	h.ObserveDuration(time.Second)
	assert.Zero(t, h.Count())
}

func TestMemoryMetrics(t *testing.T) {
	t.Run("counter operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		counter := metrics.Counter("test_counter", nil)

		counter.Inc()
		counter.Add(5)
		counter.Add(0.5)
		assert.Equal(t, 6.5, counter.Value())
	})

	t.Run("gauge operations", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		gauge := metrics.Gauge("test_gauge", nil)

		gauge.Set(100)
		gauge.Inc()
		gauge.Dec()
		gauge.Add(50)
		gauge.Sub(30)
		assert.Equal(t, float64(120), gauge.Value())
	})

	t.Run("histogram duration", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		histogram := metrics.Histogram("latency", nil)

		histogram.ObserveDuration(100 * time.Millisecond)
		histogram.ObserveDuration(200 * time.Millisecond)

		assert.Equal(t, uint64(2), histogram.Count())
		assert.InDelta(t, 0.3, histogram.Sum(), 0.0001)
	})

	t.Run("labels select distinct series", func(t *testing.T) {
		metrics := NewMemoryMetrics()

		metrics.Counter("published", MetricLabels{"qos": "0"}).Inc()
		metrics.Counter("published", MetricLabels{"qos": "1"}).Add(2)

		assert.Equal(t, float64(1), metrics.CounterValue("published", MetricLabels{"qos": "0"}))
		assert.Equal(t, float64(2), metrics.CounterValue("published", MetricLabels{"qos": "1"}))
		assert.Zero(t, metrics.CounterValue("published", nil))
	})

	t.Run("same metric returns same instance", func(t *testing.T) {
		metrics := NewMemoryMetrics()
		assert.Same(t, metrics.Gauge("g", nil), metrics.Gauge("g", nil))
	})
}

func TestMemoryMetricsConcurrency(t *testing.T) {
	metrics := NewMemoryMetrics()
	counter := metrics.Counter("concurrent", nil)
	gauge := metrics.Gauge("concurrent", nil)
	histogram := metrics.Histogram("concurrent", nil)

	var wg sync.WaitGroup

	for range 100 {
		wg.Add(3)
		go func() {
			defer wg.Done()
			counter.Inc()
		}()
		go func() {
			defer wg.Done()
			gauge.Inc()
		}()
		go func() {
			defer wg.Done()
			histogram.Observe(1.0)
		}()
	}

	wg.Wait()

	assert.Equal(t, float64(100), counter.Value())
	assert.Equal(t, float64(100), gauge.Value())
	assert.Equal(t, uint64(100), histogram.Count())
}

func TestLabelsKey(t *testing.T) {
	assert.Equal(t, "test", labelsKey("test", nil))
	assert.Equal(t, "test", labelsKey("test", MetricLabels{}))
	assert.Equal(t, "test|a=1|b=2", labelsKey("test", MetricLabels{"b": "2", "a": "1"}))
}

func TestSessionMetrics(t *testing.T) {
	t.Run("nil collector records nothing", func(t *testing.T) {
		sm := NewSessionMetrics(nil)
		sm.ConnectStarted()
		sm.Published(QoS1)
	})

	t.Run("connection gauge", func(t *testing.T) {
		mem := NewMemoryMetrics()
		sm := NewSessionMetrics(mem)

		sm.Connected(10 * time.Millisecond)
		sm.Connected(10 * time.Millisecond)
		sm.Disconnected(true)

		assert.Equal(t, float64(1), mem.GaugeValue(MetricConnections, nil))
		assert.Equal(t, float64(1), mem.CounterValue(MetricConnectionsLost, nil))
	})

	t.Run("per qos counters", func(t *testing.T) {
		mem := NewMemoryMetrics()
		sm := NewSessionMetrics(mem)

		sm.Published(QoS1)
		sm.Published(QoS1)
		sm.Arrived(QoS0)

		assert.Equal(t, float64(2), mem.CounterValue(MetricMessagesPublished, MetricLabels{LabelQoS: "1"}))
		assert.Equal(t, float64(1), mem.CounterValue(MetricMessagesArrived, MetricLabels{LabelQoS: "0"}))
	})

	t.Run("buffer and tokens", func(t *testing.T) {
		mem := NewMemoryMetrics()
		sm := NewSessionMetrics(mem)

		sm.BufferSize(3)
		sm.BufferEvicted(EvictDropOldest)
		sm.TokenIssued()
		sm.TokenIssued()
		sm.TokenRetired()

		assert.Equal(t, float64(3), mem.GaugeValue(MetricBufferedMessages, nil))
		assert.Equal(t, float64(1), mem.CounterValue(MetricBufferEvictions, MetricLabels{LabelPolicy: "drop_oldest"}))
		assert.Equal(t, float64(1), mem.GaugeValue(MetricTokensPending, nil))
	})
}

func BenchmarkMemoryCounter(b *testing.B) {
	counter := NewMemoryMetrics().Counter("test", nil)

	b.ReportAllocs()

	for b.Loop() {
		counter.Inc()
	}
}
