package mqttsession

import (
	"context"
	"iter"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"
)

// MemoryMessageStore is an in-memory MessageStore.
// It survives Connection restarts within one process, not process restarts.
type MemoryMessageStore struct {
	mu       sync.RWMutex
	seq      uint64
	arrived  map[Handle]map[uint64]*StoredMessage
	outbound map[Handle]map[uint64]*StoredMessage
	closed   bool
}

// NewMemoryMessageStore creates a new in-memory message store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		arrived:  make(map[Handle]map[uint64]*StoredMessage),
		outbound: make(map[Handle]map[uint64]*StoredMessage),
	}
}

func (s *MemoryMessageStore) StoreArrived(_ context.Context, handle Handle, topic string, msg *Message) (string, error) {
	return s.insert(s.arrived, OpStoreArrived, handle, topic, msg)
}

func (s *MemoryMessageStore) Ack(_ context.Context, handle Handle, id string) (bool, error) {
	return s.remove(s.arrived, OpAck, handle, id)
}

func (s *MemoryMessageStore) AllArrived(_ context.Context, handle Handle) iter.Seq2[*StoredMessage, error] {
	return s.snapshot(s.arrived, OpAllArrived, handle)
}

func (s *MemoryMessageStore) StoreOutbound(_ context.Context, handle Handle, msg *Message) (string, error) {
	return s.insert(s.outbound, OpStoreOutbound, handle, "", msg)
}

func (s *MemoryMessageStore) DeleteOutbound(_ context.Context, handle Handle, id string) (bool, error) {
	return s.remove(s.outbound, OpDeleteOutbound, handle, id)
}

func (s *MemoryMessageStore) AllOutbound(_ context.Context, handle Handle) iter.Seq2[*StoredMessage, error] {
	return s.snapshot(s.outbound, OpAllOutbound, handle)
}

func (s *MemoryMessageStore) DeleteAllFor(_ context.Context, handle Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return NewPersistenceError(OpDeleteAll, handle, "", ErrStoreClosed)
	}
	delete(s.arrived, handle)
	delete(s.outbound, handle)
	return nil
}

// Close releases all rows. Later calls fail with ErrStoreClosed.
func (s *MemoryMessageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	clear(s.arrived)
	clear(s.outbound)
	return nil
}

// Len returns the number of arrived and outbound rows held for handle.
func (s *MemoryMessageStore) Len(handle Handle) (arrived, outbound int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.arrived[handle]), len(s.outbound[handle])
}

func (s *MemoryMessageStore) insert(table map[Handle]map[uint64]*StoredMessage, op string, handle Handle, topic string, msg *Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", NewPersistenceError(op, handle, "", ErrStoreClosed)
	}

	s.seq++
	id := strconv.FormatUint(s.seq, 10)

	rows, ok := table[handle]
	if !ok {
		rows = make(map[uint64]*StoredMessage)
		table[handle] = rows
	}
	rows[s.seq] = NewStoredMessage(handle, id, topic, msg, time.Now())

	return id, nil
}

func (s *MemoryMessageStore) remove(table map[Handle]map[uint64]*StoredMessage, op string, handle Handle, id string) (bool, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, NewPersistenceError(op, handle, id, ErrStoreClosed)
	}

	rows := table[handle]
	if _, ok := rows[seq]; !ok {
		return false, nil
	}
	delete(rows, seq)
	if len(rows) == 0 {
		delete(table, handle)
	}
	return true, nil
}

func (s *MemoryMessageStore) snapshot(table map[Handle]map[uint64]*StoredMessage, op string, handle Handle) iter.Seq2[*StoredMessage, error] {
	return func(yield func(*StoredMessage, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(nil, NewPersistenceError(op, handle, "", ErrStoreClosed))
			return
		}
		rows := table[handle]
		keys := slices.Sorted(maps.Keys(rows))
		out := make([]*StoredMessage, 0, len(keys))
		for _, k := range keys {
			sm := *rows[k]
			sm.Payload = slices.Clone(sm.Payload)
			out = append(out, &sm)
		}
		s.mu.RUnlock()

		for _, sm := range out {
			if !yield(sm, nil) {
				return
			}
		}
	}
}
