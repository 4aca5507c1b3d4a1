// Package kafkabus forwards Connection events to a Kafka topic as JSON.
//
// Publish never blocks the Connection: events are queued and written by a
// background goroutine in batches. Records are keyed by handle so events of
// one connection keep their order within a partition.
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/vitalvas/mqttsession"
)

// Config holds the writer settings.
type Config struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// QueueSize bounds the events waiting to be written. Defaults to 1024.
	QueueSize int `yaml:"queue_size"`

	// BatchSize bounds the records per write. Defaults to 100.
	BatchSize int `yaml:"batch_size"`

	// WriteTimeout bounds one batch write. Defaults to 10s.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IncludePayload copies message payloads into message_arrived records.
	IncludePayload bool `yaml:"include_payload"`
}

// messageWriter is the part of *kafka.Writer the bus uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Bus is a mqttsession.EventBus writing to Kafka.
type Bus struct {
	writer  messageWriter
	cfg     Config
	logger  mqttsession.Logger
	queue   chan kafka.Message
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	written atomic.Uint64
}

var _ mqttsession.EventBus = (*Bus)(nil)

// New creates a bus writing to cfg.Topic on cfg.Brokers.
func New(cfg Config, logger mqttsession.Logger) *Bus {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
	return newBus(w, cfg, logger)
}

func newBus(w messageWriter, cfg Config, logger mqttsession.Logger) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = mqttsession.NewNoOpLogger()
	}

	b := &Bus{
		writer: w,
		cfg:    cfg,
		logger: logger.WithFields(mqttsession.LogFields{"component": "kafkabus", "topic": cfg.Topic}),
		queue:  make(chan kafka.Message, cfg.QueueSize),
		done:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.run()
	return b
}

// Publish encodes the event and queues it. The event is dropped when the
// queue is full or the bus is closed.
func (b *Bus) Publish(handle mqttsession.Handle, kind mqttsession.EventKind, payload any) {
	value, err := json.Marshal(Encode(handle, kind, payload, time.Now(), b.cfg.IncludePayload))
	if err != nil {
		b.logger.Warn("event encoding failed", mqttsession.LogFields{"kind": kind.String(), "error": err.Error()})
		b.dropped.Add(1)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		return
	}

	select {
	case b.queue <- kafka.Message{Key: []byte(handle), Value: value}:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events that were never queued.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Written returns the number of events written to Kafka.
func (b *Bus) Written() uint64 { return b.written.Load() }

// Close flushes queued events and closes the writer.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.queue)
		b.mu.Unlock()

		b.wg.Wait()
		err = b.writer.Close()
	})
	return err
}

func (b *Bus) run() {
	defer b.wg.Done()

	batch := make([]kafka.Message, 0, b.cfg.BatchSize)
	for msg := range b.queue {
		batch = append(batch[:0], msg)

	fill:
		for len(batch) < b.cfg.BatchSize {
			select {
			case next, ok := <-b.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}

		b.write(batch)
	}
}

func (b *Bus) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.WriteTimeout)
	defer cancel()

	if err := b.writer.WriteMessages(ctx, batch...); err != nil {
		b.logger.Error("event write failed", mqttsession.LogFields{
			"count": len(batch),
			"error": err.Error(),
		})
		b.dropped.Add(uint64(len(batch)))
		return
	}
	b.written.Add(uint64(len(batch)))
}

// Record is the JSON layout of one event.
type Record struct {
	ID     string    `json:"id"`
	Handle string    `json:"handle"`
	Kind   string    `json:"kind"`
	Time   time.Time `json:"time"`

	ServerURI      string `json:"server_uri,omitempty"`
	SessionPresent *bool  `json:"session_present,omitempty"`
	Reconnect      *bool  `json:"reconnect,omitempty"`

	MessageID   string `json:"message_id,omitempty"`
	Topic       string `json:"topic,omitempty"`
	QoS         *byte  `json:"qos,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Redelivered bool   `json:"redelivered,omitempty"`
	Payload     []byte `json:"payload,omitempty"`

	TokenID uint64 `json:"token_id,omitempty"`

	Attempt     int   `json:"attempt,omitempty"`
	MaxAttempts int   `json:"max_attempts,omitempty"`
	DelayMillis int64 `json:"delay_ms,omitempty"`

	Terminal bool   `json:"terminal,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Encode flattens an event payload into a Record.
func Encode(handle mqttsession.Handle, kind mqttsession.EventKind, payload any, ts time.Time, includePayload bool) Record {
	r := Record{
		Handle: string(handle),
		Kind:   kind.String(),
		Time:   ts.UTC(),
	}
	if id, err := uuid.NewV7(); err == nil {
		r.ID = id.String()
	}

	setMessage := func(msg *mqttsession.Message) {
		if msg == nil {
			return
		}
		qos := msg.QoS
		r.Topic = msg.Topic
		r.QoS = &qos
		r.Retain = msg.Retain
		r.Duplicate = msg.Duplicate
		if includePayload {
			r.Payload = msg.Payload
		}
	}

	switch p := payload.(type) {
	case *mqttsession.ConnectedEvent:
		r.ServerURI = p.ServerURI
		r.SessionPresent = &p.SessionPresent
		r.Reconnect = &p.Reconnect
	case *mqttsession.MessageArrivedEvent:
		r.MessageID = p.MessageID
		r.Redelivered = p.Redelivered
		setMessage(p.Message)
	case *mqttsession.DeliveryCompleteEvent:
		r.TokenID = p.TokenID
		setMessage(p.Message)
	case *mqttsession.ReconnectEvent:
		r.Attempt = p.Attempt
		r.MaxAttempts = p.MaxAttempts
		r.DelayMillis = p.Delay.Milliseconds()
	case *mqttsession.DisconnectedEvent:
		if p.Err != nil {
			r.Error = p.Err.Error()
		}
	case *mqttsession.ReconnectFailedError:
		r.Attempt = p.Attempts
		r.Error = p.Error()
	case error:
		var lost *mqttsession.ConnectionLostError
		if errors.As(p, &lost) {
			r.Terminal = lost.Terminal
		}
		r.Error = p.Error()
	}
	return r
}
