// Package boltstore is a mqttsession.MessageStore kept in a single bbolt
// file. Every write is committed with fsync before it returns, so rows
// survive process restarts.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"iter"
	"os"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/internal/record"
)

var (
	bucketArrived  = []byte("arrived")
	bucketOutbound = []byte("outbound")
)

// Options configures Open.
type Options struct {
	// Mode is the file mode used when the file is created. Defaults to 0600.
	Mode os.FileMode

	// LockTimeout bounds the wait for the file lock held by another
	// process. Zero waits one second.
	LockTimeout time.Duration

	// NoSync skips fsync on commit. Rows may be lost on power failure.
	NoSync bool
}

// Store is a bbolt-backed MessageStore. Rows live in per-handle nested
// buckets under "arrived" and "outbound", keyed by the bucket sequence.
type Store struct {
	db *bolt.DB
}

var _ mqttsession.MessageStore = (*Store)(nil)

// Open opens or creates the store file at path.
func Open(path string, opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	mode := opts.Mode
	if mode == 0 {
		mode = 0o600
	}
	timeout := opts.LockTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketArrived, bucketOutbound} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Path returns the file path of the store.
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) StoreArrived(ctx context.Context, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, bucketArrived, mqttsession.OpStoreArrived, handle, topic, msg)
}

func (s *Store) Ack(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, bucketArrived, mqttsession.OpAck, handle, id)
}

func (s *Store) AllArrived(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, bucketArrived, mqttsession.OpAllArrived, handle)
}

func (s *Store) StoreOutbound(ctx context.Context, handle mqttsession.Handle, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, bucketOutbound, mqttsession.OpStoreOutbound, handle, "", msg)
}

func (s *Store) DeleteOutbound(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, bucketOutbound, mqttsession.OpDeleteOutbound, handle, id)
}

func (s *Store) AllOutbound(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, bucketOutbound, mqttsession.OpAllOutbound, handle)
}

func (s *Store) DeleteAllFor(ctx context.Context, handle mqttsession.Handle) error {
	if err := ctx.Err(); err != nil {
		return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", err)
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		// The handle bucket stays so its sequence never hands out an id twice.
		for _, name := range [][]byte{bucketArrived, bucketOutbound} {
			b := tx.Bucket(name).Bucket([]byte(handle))
			if b == nil {
				continue
			}
			var keys [][]byte
			err := b.ForEach(func(k, _ []byte) error {
				keys = append(keys, bytes.Clone(k))
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", err)
}

// Close closes the file.
func (s *Store) Close() error {
	return s.db.Close()
}

func key(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *Store) insert(ctx context.Context, table []byte, op string, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}

	value, err := record.New(topic, msg, time.Now()).Marshal()
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}

	var id string
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(table).CreateBucketIfNotExists([]byte(handle))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = strconv.FormatUint(seq, 10)
		return b.Put(key(seq), value)
	})
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}
	return id, nil
}

func (s *Store) remove(ctx context.Context, table []byte, op string, handle mqttsession.Handle, id string) (bool, error) {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, mqttsession.NewPersistenceError(op, handle, id, err)
	}

	removed := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(table).Bucket([]byte(handle))
		if b == nil || b.Get(key(seq)) == nil {
			return nil
		}
		removed = true
		return b.Delete(key(seq))
	})
	if err != nil {
		return false, mqttsession.NewPersistenceError(op, handle, id, err)
	}
	return removed, nil
}

// scan reads the rows inside one read transaction and yields them after it
// ends, so the consumer never holds the transaction open.
func (s *Store) scan(ctx context.Context, table []byte, op string, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return func(yield func(*mqttsession.StoredMessage, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		var rows []*mqttsession.StoredMessage
		var bad []error
		err := s.db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(table).Bucket([]byte(handle))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				id := strconv.FormatUint(binary.BigEndian.Uint64(k), 10)
				r, err := record.Unmarshal(v)
				if err != nil {
					bad = append(bad, mqttsession.NewPersistenceError(op, handle, id, err))
					return nil
				}
				rows = append(rows, r.Stored(handle, id))
				return nil
			})
		})
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		for _, err := range bad {
			if !yield(nil, err) {
				return
			}
		}
		for _, sm := range rows {
			if !yield(sm, nil) {
				return
			}
		}
	}
}
