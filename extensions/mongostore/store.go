// Package mongostore is a mqttsession.MessageStore on MongoDB.
package mongostore

import (
	"context"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/internal/record"
)

const (
	collArrived  = "arrived"
	collOutbound = "outbound"
	collCounters = "counters"
)

// Config holds the settings used by Open.
type Config struct {
	URI              string        `yaml:"uri"`
	Database         string        `yaml:"database"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
}

type document struct {
	ID            primitive.ObjectID `bson:"_id"`
	Handle        string             `bson:"handle"`
	Seq           int64              `bson:"seq"`
	record.Record `bson:",inline"`
}

type counter struct {
	Seq int64 `bson:"seq"`
}

// Store is a MongoDB-backed MessageStore. Rows are ordered by a per-handle
// counter kept in the counters collection.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	owned     bool
	closed    atomic.Bool
	opTimeout time.Duration
}

var _ mqttsession.MessageStore = (*Store)(nil)

// New uses db from an existing client. Close does not disconnect the client.
func New(ctx context.Context, db *mongo.Database) (*Store, error) {
	s := &Store{client: db.Client(), db: db}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open connects to MongoDB and prepares the collections. The returned store
// owns the client.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetAppName("mqttsession")
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	name := cfg.Database
	if name == "" {
		name = "mqttsession"
	}

	s, err := New(ctx, client.Database(name))
	if err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	s.owned = true
	s.opTimeout = cfg.OperationTimeout
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	for _, name := range []string{collArrived, collOutbound} {
		_, err := s.db.Collection(name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "handle", Value: 1}, {Key: "seq", Value: 1}},
		})
		if err != nil {
			return fmt.Errorf("mongo index %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout > 0 {
		return context.WithTimeout(ctx, s.opTimeout)
	}
	return ctx, func() {}
}

func (s *Store) StoreArrived(ctx context.Context, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, collArrived, mqttsession.OpStoreArrived, handle, topic, msg)
}

func (s *Store) Ack(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, collArrived, mqttsession.OpAck, handle, id)
}

func (s *Store) AllArrived(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, collArrived, mqttsession.OpAllArrived, handle)
}

func (s *Store) StoreOutbound(ctx context.Context, handle mqttsession.Handle, msg *mqttsession.Message) (string, error) {
	return s.insert(ctx, collOutbound, mqttsession.OpStoreOutbound, handle, "", msg)
}

func (s *Store) DeleteOutbound(ctx context.Context, handle mqttsession.Handle, id string) (bool, error) {
	return s.remove(ctx, collOutbound, mqttsession.OpDeleteOutbound, handle, id)
}

func (s *Store) AllOutbound(ctx context.Context, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return s.scan(ctx, collOutbound, mqttsession.OpAllOutbound, handle)
}

func (s *Store) DeleteAllFor(ctx context.Context, handle mqttsession.Handle) error {
	if s.closed.Load() {
		return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", mqttsession.ErrStoreClosed)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"handle": string(handle)}
	for _, name := range []string{collArrived, collOutbound} {
		if _, err := s.db.Collection(name).DeleteMany(ctx, filter); err != nil {
			return mqttsession.NewPersistenceError(mqttsession.OpDeleteAll, handle, "", err)
		}
	}
	return nil
}

// Close marks the store closed and disconnects the client when Open
// created it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// nextSeq increments the handle's counter. Counters survive DeleteAllFor.
func (s *Store) nextSeq(ctx context.Context, handle mqttsession.Handle) (int64, error) {
	var c counter
	err := s.db.Collection(collCounters).FindOneAndUpdate(ctx,
		bson.M{"_id": string(handle)},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	return c.Seq, err
}

func (s *Store) insert(ctx context.Context, coll, op string, handle mqttsession.Handle, topic string, msg *mqttsession.Message) (string, error) {
	if s.closed.Load() {
		return "", mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seq, err := s.nextSeq(ctx, handle)
	if err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}

	doc := document{
		ID:     primitive.NewObjectID(),
		Handle: string(handle),
		Seq:    seq,
		Record: record.New(topic, msg, time.Now()),
	}
	if _, err := s.db.Collection(coll).InsertOne(ctx, doc); err != nil {
		return "", mqttsession.NewPersistenceError(op, handle, "", err)
	}
	return doc.ID.Hex(), nil
}

func (s *Store) remove(ctx context.Context, coll, op string, handle mqttsession.Handle, id string) (bool, error) {
	if s.closed.Load() {
		return false, mqttsession.NewPersistenceError(op, handle, id, mqttsession.ErrStoreClosed)
	}

	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.db.Collection(coll).DeleteOne(ctx, bson.M{"_id": oid, "handle": string(handle)})
	if err != nil {
		return false, mqttsession.NewPersistenceError(op, handle, id, err)
	}
	return res.DeletedCount > 0, nil
}

func (s *Store) scan(ctx context.Context, coll, op string, handle mqttsession.Handle) iter.Seq2[*mqttsession.StoredMessage, error] {
	return func(yield func(*mqttsession.StoredMessage, error) bool) {
		if s.closed.Load() {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", mqttsession.ErrStoreClosed))
			return
		}

		ctx, cancel := s.withTimeout(ctx)
		defer cancel()

		cur, err := s.db.Collection(coll).Find(ctx,
			bson.M{"handle": string(handle)},
			options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}),
		)
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		var docs []document
		err = cur.All(ctx, &docs)
		if err != nil {
			yield(nil, mqttsession.NewPersistenceError(op, handle, "", err))
			return
		}

		for _, d := range docs {
			if !yield(d.Record.Stored(handle, d.ID.Hex()), nil) {
				return
			}
		}
	}
}
