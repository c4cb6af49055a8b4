package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agerrors "github.com/viefmoon/chirpstack-agricos/errors"
	"github.com/viefmoon/chirpstack-agricos/store"
)

func TestBuildUpsert(t *testing.T) {
	rows := store.Rows([]store.Station{store.NewStation("S1"), store.NewStation("S2")})

	query, args := buildUpsert(store.TableStations, store.Columns[store.TableStations], rows)

	assert.Equal(t,
		`INSERT INTO "stations" ("id", "name", "is_active") VALUES ($1, $2, $3), ($4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		query)
	assert.Equal(t, []any{"S1", "Estación S1", true, "S2", "Estación S2", true}, args)
}

func TestChunkRows(t *testing.T) {
	rows := make([]store.Row, 7)

	chunks := chunkRows(rows, 3)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 3)
	assert.Len(t, chunks[2], 1)

	assert.Len(t, chunkRows(rows, 10), 1)
}

func TestClassify(t *testing.T) {
	integrity := classify(&pq.Error{Code: "23503"}, "Upsert", "insert")
	assert.True(t, agerrors.IsInvalid(integrity))

	network := classify(errors.New("dial tcp: connection refused"), "Ping", "ping")
	assert.True(t, agerrors.IsTransient(network))
	assert.ErrorIs(t, network, agerrors.ErrStorageUnavailable)
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.True(t, agerrors.IsInvalid(err))
}

func TestStore_RejectsBadInputWithoutConnecting(t *testing.T) {
	// Nothing listens here; validation must fail before any I/O.
	s, err := Open(Config{DSN: "postgres://agricos@127.0.0.1:1/agricos?sslmode=disable"})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	err = s.Upsert(ctx, store.TableReadings, nil)
	assert.True(t, agerrors.IsInvalid(err))

	err = s.Insert(ctx, "weather", []store.Row{{"x": 1}})
	assert.ErrorIs(t, err, agerrors.ErrUnknownTable)

	err = s.Insert(ctx, store.TableReadings, []store.Row{{"sensor_id": "X"}})
	assert.ErrorIs(t, err, agerrors.ErrInvalidData)

	_, err = s.SelectIDs(ctx, store.TableVoltageReadings)
	assert.True(t, agerrors.IsInvalid(err))

	assert.NoError(t, s.Insert(ctx, store.TableReadings, nil))
}
