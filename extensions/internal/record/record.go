// Package record is the persisted row layout shared by the store extensions.
package record

import (
	"encoding/json"
	"time"

	"github.com/vitalvas/mqttsession"
)

// Record is one persisted message without its key.
type Record struct {
	Topic     string    `json:"topic" bson:"topic"`
	Payload   []byte    `json:"payload" bson:"payload"`
	QoS       byte      `json:"qos" bson:"qos"`
	Retained  bool      `json:"retained" bson:"retained"`
	Duplicate bool      `json:"duplicate" bson:"duplicate"`
	Timestamp time.Time `json:"ts" bson:"ts"`
}

// New builds the record for msg. A non-empty topic overrides msg.Topic.
func New(topic string, msg *mqttsession.Message, ts time.Time) Record {
	r := Record{Topic: topic, Timestamp: ts.UTC()}
	if msg == nil {
		return r
	}
	if r.Topic == "" {
		r.Topic = msg.Topic
	}
	r.Payload = msg.Payload
	r.QoS = msg.QoS
	r.Retained = msg.Retain
	r.Duplicate = msg.Duplicate
	return r
}

// Stored returns the row as a StoredMessage.
func (r Record) Stored(handle mqttsession.Handle, id string) *mqttsession.StoredMessage {
	return &mqttsession.StoredMessage{
		Handle:    handle,
		ID:        id,
		Topic:     r.Topic,
		Payload:   r.Payload,
		QoS:       r.QoS,
		Retained:  r.Retained,
		Duplicate: r.Duplicate,
		Timestamp: r.Timestamp,
	}
}

// Marshal encodes r as JSON.
func (r Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal decodes a JSON record.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	err := json.Unmarshal(data, &r)
	return r, err
}
