// Package redisstore is a mqttsession.MessageStore on Redis.
//
// Each handle owns four keys sharing a hash tag, so they land in one cluster
// slot: a sequence counter, and for each of the arrived and outbound tables
// a sorted set of ids scored by sequence plus a hash of id to row.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/internal/record"
)

const defaultPrefix = "mqttsession"

type table string

const (
	tableArrived  table = "arrived"
	tableOutbound table = "outbound"
)

// Config holds the connection settings used by Open.
type Config struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Store is a Redis-backed MessageStore.
type Store struct {
	client redis.UniversalClient
	prefix string
	owned  bool
	closed atomic.Bool
}

var _ mqttsession.MessageStore = (*Store)(nil)

// New wraps an existing client. Close does not close the client.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects to Redis and checks the server answers. The returned store
// owns the client.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s := New(client, cfg.KeyPrefix)
	s.owned = true
	return s, nil
}

func (s *Store) seqKey(handle mqttsession.Handle) string {
	return s.prefix + ":{" + string(handle) + "}:seq"
}

func (s *Store) indexKey(handle mqttsession.Handle, t table) string {
	return s.prefix + ":{" + string(handle) + "}:" + string(t)
}

func (s *Store) dataKey(handle mqttsession.Handle, t table) string {
	return s.indexKey(handle, t) + ":data"
}

func (s *Store) StoreArrived(ctx context.Context, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, tableArrived, mqttsession.OpStoreArrived, handle, topic, msg)
}

func (s *Store) Ack(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, tableArrived, mqttsession.OpAck, handle, id)
}

func (s *Store) AllArrived(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, tableArrived, mqttsession.OpAllArrived, handle)
}

func (s *Store) StoreOutbound(ctx context.Context, handle mqttsession.Handle, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, tableOutbound, mqttsession.OpStoreOutbound, handle, "", msg)
}

func (s *Store) DeleteOutbound(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, tableOutbound, mqttsession.OpDeleteOutbound, handle, id)
}

func (s *Store) AllOutbound(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, tableOutbound, mqttsession.OpAllOutbound, handle)
}

// DeleteAllFor drops every key of handle, including its sequence counter.
func (s *Store) DeleteAllFor(ctx context.Context, handle mqttsession.Handle) error {
	if s.closed.Load() {
		return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", mqttsession.ErrStoreClosed)
	}

	err := s.client.Del(ctx,
		s.seqKey(handle),
		s.indexKey(handle, tableArrived), s.dataKey(handle, tableArrived),
		s.indexKey(handle, tableOutbound), s.dataKey(handle, tableOutbound),
	).Err()
	return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", err)
}

// Close marks the store closed and closes the client when Open created it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) insert(ctx context.Context, t table, op string, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	if s.closed.Load() {
		return "", mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed)
	}

	value, err := record.New(topic, msg, time.Now()).Marshal()
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}
	id := uid.String()

	seq, err := s.client.Incr(ctx, s.seqKey(handle)).Result()
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.dataKey(handle, t), id, value)
		pipe.ZAdd(ctx, s.indexKey(handle, t), redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, id, err)
	}
	return id, nil
}

func (s *Store) remove(ctx context.Context, t table, op string, handle mqttsession.Handle, id string) (bool, error) {
	if s.closed.Load() {
		return false, mqttsession.NewPersistenceError(op, handle, id, mqttsession.ErrStoreClosed)
	}

	var deleted *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.HDel(ctx, s.dataKey(handle, t), id)
		pipe.ZRem(ctx, s.indexKey(handle, t), id)
		return nil
	})
	if err != nil {
		return false, mqttsession.NewPersistenceError(op, handle, id, err)
	}
	return deleted.Val() > 0, nil
}

// scan snapshots the id index, then loads the rows in one HMGET. Ids whose
// row vanished in between were removed concurrently and are skipped.
func (s *Store) scan(ctx context.Context, t table, op string, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return func(yield func(*mqttsession.StoredMessage, error) bool) {
		if s.closed.Load() {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed))
			return
		}

		ids, err := s.client.ZRange(ctx, s.indexKey(handle, t), 0, -1).Result()
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}
		if len(ids) == 0 {
			return
		}

		values, err := s.client.HMGet(ctx, s.dataKey(handle, t), ids...).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			r, err := record.Unmarshal([]byte(raw))
			if err != nil {
				if !yield(nil, mqttsession.NewPersistenceError(op, handle, ids[i], err)) {
					return
				}
				continue
			}
			if !yield(r.Stored(handle, ids[i]), nil) {
				return
			}
		}
	}
}
