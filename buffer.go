package mqttsession

import (
	"fmt"
	"strings"
	"time"
)

// EvictionPolicy decides what happens when the outbound buffer is full.
type EvictionPolicy int

const (
	// EvictRejectNewest fails the incoming publish with ErrBufferFull.
	EvictRejectNewest EvictionPolicy = iota
	// EvictDropOldest drops the head of the buffer and fails its token
	// with ErrMessageEvicted.
	EvictDropOldest
)

// String returns the string representation of the policy.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictRejectNewest:
		return "reject_newest"
	case EvictDropOldest:
		return "drop_oldest"
	default:
		return "unknown"
	}
}

// ParseEvictionPolicy parses "reject_newest" or "drop_oldest".
func ParseEvictionPolicy(s string) (EvictionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject_newest", "reject-newest":
		return EvictRejectNewest, nil
	case "drop_oldest", "drop-oldest":
		return EvictDropOldest, nil
	default:
		return EvictRejectNewest, fmt.Errorf("unknown eviction policy %q", s)
	}
}

// bufferedMessage is a publish queued while no live connection exists.
type bufferedMessage struct {
	token      *Token
	msg        *Message
	outboundID string
	enqueued   time.Time
}

// outboundBuffer is a bounded FIFO of buffered publishes.
// It is not safe for concurrent use; Connection guards it with its mutex.
type outboundBuffer struct {
	items    []*bufferedMessage
	capacity int
	policy   EvictionPolicy
}

func newOutboundBuffer(capacity int, policy EvictionPolicy) *outboundBuffer {
	return &outboundBuffer{capacity: capacity, policy: policy}
}

func (b *outboundBuffer) enabled() bool {
	return b.capacity > 0
}

// push appends m. When full, the policy decides between evicting the head
// (returned as evicted) and rejecting m with ErrBufferFull.
func (b *outboundBuffer) push(m *bufferedMessage) (evicted *bufferedMessage, err error) {
	if len(b.items) >= b.capacity {
		if b.policy != EvictDropOldest {
			return nil, ErrBufferFull
		}
		evicted = b.items[0]
		b.items[0] = nil
		b.items = b.items[1:]
	}
	b.items = append(b.items, m)
	return evicted, nil
}

// drain removes and returns every buffered message in FIFO order.
func (b *outboundBuffer) drain() []*bufferedMessage {
	items := b.items
	b.items = nil
	return items
}

// requeue puts items back at the head, ahead of anything buffered since drain.
// Capacity is not enforced for requeued items.
func (b *outboundBuffer) requeue(items []*bufferedMessage) {
	if len(items) == 0 {
		return
	}
	b.items = append(append(make([]*bufferedMessage, 0, len(items)+len(b.items)), items...), b.items...)
}

func (b *outboundBuffer) len() int {
	return len(b.items)
}

// outboundIDs returns the store ids of buffered messages that were persisted.
func (b *outboundBuffer) outboundIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	for _, m := range b.items {
		if m.outboundID != "" {
			ids[m.outboundID] = struct{}{}
		}
	}
	return ids
}
