package mqttsession

import (
	"context"
	"errors"
	"iter"
)

// ErrStoreClosed is returned by a MessageStore after Close.
var ErrStoreClosed = errors.New("message store closed")

// MessageStore persists messages a Connection must not lose across restarts.
//
// Arrived rows hold inbound messages delivered to the application but not yet
// acknowledged. Outbound rows hold QoS 1/2 publishes on durable sessions that
// the engine has not confirmed. Rows are keyed by (handle, message id) and
// are never updated in place.
//
// Implementations must be safe for concurrent use and must return errors
// wrapped in PersistenceError.
type MessageStore interface {
	// StoreArrived persists an inbound message and returns its id.
	// The row is durable when StoreArrived returns.
	StoreArrived(ctx context.Context, handle Handle, topic string, msg *Message) (string, error)

	// Ack removes an arrived message. It reports whether a row was removed.
	Ack(ctx context.Context, handle Handle, id string) (bool, error)

	// AllArrived yields the arrived messages of handle in arrival order.
	// Each call reads a fresh snapshot.
	AllArrived(ctx context.Context, handle Handle) iter.Seq2[*StoredMessage, error]

	// StoreOutbound persists an unconfirmed outbound message and returns its id.
	StoreOutbound(ctx context.Context, handle Handle, msg *Message) (string, error)

	// DeleteOutbound removes a confirmed outbound message.
	DeleteOutbound(ctx context.Context, handle Handle, id string) (bool, error)

	// AllOutbound yields the unconfirmed outbound messages of handle in
	// submission order.
	AllOutbound(ctx context.Context, handle Handle) iter.Seq2[*StoredMessage, error]

	// DeleteAllFor purges every arrived and outbound row of handle.
	DeleteAllFor(ctx context.Context, handle Handle) error

	Close() error
}

// Persistence operation names used in PersistenceError.Op.
const (
	OpStoreArrived   = "store_arrived"
	OpAck            = "ack"
	OpAllArrived     = "all_arrived"
	OpStoreOutbound  = "store_outbound"
	OpDeleteOutbound = "delete_outbound"
	OpAllOutbound    = "all_outbound"
	OpDeleteAll      = "delete_all"
)

// CollectStored drains a stored-message sequence into a slice, stopping at
// the first error.
func CollectStored(seq iter.Seq2[*StoredMessage, error]) ([]*StoredMessage, error) {
	var out []*StoredMessage
	for sm, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, sm)
	}
	return out, nil
}

// StoredSeq yields rows from a snapshot slice.
func StoredSeq(rows []*StoredMessage) iter.Seq2[*StoredMessage, error] {
	return func(yield func(*StoredMessage, error) bool) {
		for _, sm := range rows {
			if !yield(sm, nil) {
				return
			}
		}
	}
}

// ErrorSeq yields a single error.
func ErrorSeq(err error) iter.Seq2[*StoredMessage, error] {
	return func(yield func(*StoredMessage, error) bool) {
		yield(nil, err)
	}
}
