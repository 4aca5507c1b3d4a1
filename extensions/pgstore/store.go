// Package pgstore is a mqttsession.MessageStore on PostgreSQL.
package pgstore

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/internal/record"
)

const defaultTable = "mqtt_session_messages"

const (
	kindArrived  = "arrived"
	kindOutbound = "outbound"
)

// Config holds the settings used by Open.
type Config struct {
	DSN      string `yaml:"dsn"`
	Table    string `yaml:"table"`
	MinConns int32  `yaml:"min_conns"`
	MaxConns int32  `yaml:"max_conns"`
}

// Store keeps both tables in one SQL table, split by a kind column and
// ordered by a bigserial id.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	owned  bool
	closed atomic.Bool
}

var _ mqttsession.MessageStore = (*Store)(nil)

// New uses an existing pool and creates the table if needed. Close does not
// close the pool.
func New(ctx context.Context, pool *pgxpool.Pool, table string) (*Store, error) {
	if table == "" {
		table = defaultTable
	}
	s := &Store{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open builds a pool from cfg, checks it and creates the table. The
// returned store owns the pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := New(ctx, pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			id        BIGSERIAL PRIMARY KEY,
			handle    TEXT NOT NULL,
			kind      TEXT NOT NULL,
			topic     TEXT NOT NULL,
			payload   BYTEA,
			qos       SMALLINT NOT NULL,
			retained  BOOLEAN NOT NULL,
			duplicate BOOLEAN NOT NULL,
			ts        TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	index := pgx.Identifier{indexName(s.table)}.Sanitize()
	_, err = s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS `+index+` ON `+s.table+` (handle, kind, id)`)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// indexName derives the index name from a sanitized table identifier.
func indexName(sanitized string) string {
	name, err := strconv.Unquote(sanitized)
	if err != nil {
		name = sanitized
	}
	return name + "_handle_idx"
}

func (s *Store) StoreArrived(ctx context.Context, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, kindArrived, mqttsession.OpStoreArrived, handle, topic, msg)
}

func (s *Store) Ack(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, kindArrived, mqttsession.OpAck, handle, id)
}

func (s *Store) AllArrived(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, kindArrived, mqttsession.OpAllArrived, handle)
}

func (s *Store) StoreOutbound(ctx context.Context, handle mqttsession.Handle, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, kindOutbound, mqttsession.OpStoreOutbound, handle, "", msg)
}

func (s *Store) DeleteOutbound(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, kindOutbound, mqttsession.OpDeleteOutbound, handle, id)
}

func (s *Store) AllOutbound(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, kindOutbound, mqttsession.OpAllOutbound, handle)
}

func (s *Store) DeleteAllFor(ctx context.Context, handle mqttsession.Handle) error {
	if s.closed.Load() {
		return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", mqttsession.ErrStoreClosed)
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.table+` WHERE handle = $1`, string(handle))
	return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", err)
}

// Close marks the store closed and closes the pool when Open created it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Store) insert(ctx context.Context, kind, op string, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	if s.closed.Load() {
		return "", mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed)
	}

	r := record.New(topic, msg, time.Now())

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO `+s.table+` (handle, kind, topic, payload, qos, retained, duplicate, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(handle), kind, r.Topic, r.Payload, int16(r.QoS), r.Retained, r.Duplicate, r.Timestamp,
	).Scan(&id)
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (s *Store) remove(ctx context.Context, kind, op string, handle mqttsession.Handle, id string) (bool, error) {
	if s.closed.Load() {
		return false, mqttsession.NewPersistenceError(op, handle, id, mqttsession.ErrStoreClosed)
	}

	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return false, nil
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE id = $1 AND handle = $2 AND kind = $3`,
		n, string(handle), kind)
	if err != nil {
		return false, mqttsession.NewPersistenceError(op, handle, id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) scan(ctx context.Context, kind, op string, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return func(yield func(*mqttsession.StoredMessage, error) bool) {
		if s.closed.Load() {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed))
			return
		}

		rows, err := s.pool.Query(ctx, `
			SELECT id, topic, payload, qos, retained, duplicate, ts
			FROM `+s.table+`
			WHERE handle = $1 AND kind = $2
			ORDER BY id`,
			string(handle), kind)
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*mqttsession.StoredMessage, error) {
			var (
				id  int64
				qos int16
				r   record.Record
			)
			if err := row.Scan(&id, &r.Topic, &r.Payload, &qos, &r.Retained, &r.Duplicate, &r.Timestamp); err != nil {
				return nil, err
			}
			r.QoS = byte(qos)
			return r.Stored(handle, strconv.FormatInt(id, 10)), nil
		})
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		for _, sm := range out {
			if !yield(sm, nil) {
				return
			}
		}
	}
}
