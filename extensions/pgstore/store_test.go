package pgstore

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/storetest"
)

// testPool connects to MQTTSESSION_POSTGRES_DSN or skips the test.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("MQTTSESSION_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MQTTSESSION_POSTGRES_DSN not set")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(context.Background()))
	t.Cleanup(pool.Close)
	return pool
}

func tempTable(t *testing.T, pool *pgxpool.Pool) string {
	name := "mqtt_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	t.Cleanup(func() {
		pool.Exec(context.Background(), `DROP TABLE IF EXISTS `+pgx.Identifier{name}.Sanitize())
	})
	return name
}

func TestIndexName(t *testing.T) {
	tests := []struct {
		table string
		want  string
	}{
		{table: "mqtt_session_messages", want: "mqtt_session_messages_handle_idx"},
		{table: "Mixed", want: "Mixed_handle_idx"},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			assert.Equal(t, tt.want, indexName(pgx.Identifier{tt.table}.Sanitize()))
		})
	}
}

func TestClosedWithoutPool(t *testing.T) {
	s := &Store{table: defaultTable}
	require.NoError(t, s.Close())

	ctx := context.Background()
	_, err := s.StoreOutbound(ctx, "h", &mqttsession.Message{Topic: "t"})
	assert.ErrorIs(t, err, mqttsession.ErrStoreClosed)

	_, err = s.Ack(ctx, "h", "1")
	assert.ErrorIs(t, err, mqttsession.ErrPersistence)

	err = s.DeleteAllFor(ctx, "h")
	assert.ErrorIs(t, err, mqttsession.ErrStoreClosed)
}

func TestStoreContract(t *testing.T) {
	pool := testPool(t)

	storetest.Run(t, func(t *testing.T) mqttsession.MessageStore {
		s, err := New(context.Background(), pool, tempTable(t, pool))
		require.NoError(t, err)
		return s
	})
}

func TestNewIsIdempotent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	table := tempTable(t, pool)

	s, err := New(ctx, pool, table)
	require.NoError(t, err)
	_, err = s.StoreArrived(ctx, "h", "a", &mqttsession.Message{Payload: []byte{1, 2}, QoS: mqttsession.QoS2})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(ctx, pool, table)
	require.NoError(t, err)
	defer s.Close()

	rows, err := mqttsession.CollectStored(s.AllArrived(ctx, "h"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []byte{1, 2}, rows[0].Payload)
	assert.Equal(t, mqttsession.QoS2, rows[0].QoS)
}
