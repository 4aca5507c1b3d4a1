package mqttsession

import "time"

// QoS levels.
const (
	QoS0 byte = 0 // at most once
	QoS1 byte = 1 // at least once
	QoS2 byte = 2 // exactly once
)

// Message is an application message travelling through a Connection.
type Message struct {
	// Topic is the topic name the message was published to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the Quality of Service level (0, 1, or 2).
	QoS byte

	// Retain indicates if this is a retained message.
	Retain bool

	// Duplicate is set by the engine when the message is a redelivery.
	Duplicate bool
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// StoredMessage is a message held by a MessageStore, keyed by (Handle, ID).
type StoredMessage struct {
	Handle    Handle
	ID        string
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	Timestamp time.Time
}

// Message converts the stored row back into a Message.
func (s *StoredMessage) Message() *Message {
	return &Message{
		Topic:     s.Topic,
		Payload:   s.Payload,
		QoS:       s.QoS,
		Retain:    s.Retained,
		Duplicate: s.Duplicate,
	}
}

// NewStoredMessage builds a row for the given handle and message.
func NewStoredMessage(handle Handle, id, topic string, msg *Message, ts time.Time) *StoredMessage {
	sm := &StoredMessage{
		Handle:    handle,
		ID:        id,
		Topic:     topic,
		Timestamp: ts,
	}
	if msg != nil {
		if sm.Topic == "" {
			sm.Topic = msg.Topic
		}
		sm.Payload = append([]byte(nil), msg.Payload...)
		sm.QoS = msg.QoS
		sm.Retained = msg.Retain
		sm.Duplicate = msg.Duplicate
	}
	return sm
}

func validQoS(qos byte) bool {
	return qos <= QoS2
}
