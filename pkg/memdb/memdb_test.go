package memdb

import (
	"context"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var items = types.TableID{Namespace: "shop", Name: "items"}

func newDB(t *testing.T, keys int) *DB {
	t.Helper()
	db := New()
	require.NoError(t, db.CreateTable(&types.TableSchema{
		Table:      items,
		Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "name", Type: types.String}},
		PrimaryKey: []string{"id"},
	}))
	for id := int64(1); id <= int64(keys); id++ {
		_, err := db.Insert(items, types.Record{"id": id, "name": "v1"})
		require.NoError(t, err)
	}
	return db
}

func TestSubscribeReplaysLog(t *testing.T) {
	db := newDB(t, 2)
	heartbeat := db.Heartbeat()
	assert.Equal(t, types.Position{Offset: firstOffset + 3}, heartbeat)

	sub, err := db.Subscribe(context.Background(), types.Position{Offset: firstOffset})
	require.NoError(t, err)
	defer sub.Close()

	for id := int64(1); id <= 2; id++ {
		record, err := sub.Next(context.Background())
		require.NoError(t, err)
		require.False(t, record.IsProgress())

		events, err := db.Decode(context.Background(), record)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, types.Insert, events[0].Operation)
		assert.Equal(t, id, events[0].Key)
		assert.Equal(t, record.Position, events[0].Position)
	}

	record, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, record.IsProgress())
	assert.Equal(t, heartbeat, record.Position)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeFailures(t *testing.T) {
	db := newDB(t, 3)

	db.FailSubscriptions(1)
	_, err := db.Subscribe(context.Background(), types.Position{Offset: firstOffset})
	assert.ErrorIs(t, err, types.ErrTransient)
	sub, err := db.Subscribe(context.Background(), types.Position{Offset: firstOffset})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	db.Purge(types.Position{Offset: firstOffset + 1})
	_, err = db.Subscribe(context.Background(), types.Position{Offset: firstOffset})
	assert.ErrorIs(t, err, types.ErrDataLoss)

	db.BreakSubscriptionAfter(1)
	sub, err = db.Subscribe(context.Background(), types.Position{Offset: firstOffset + 1})
	require.NoError(t, err)
	defer sub.Close()

	record, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.Position{Offset: firstOffset + 2}, record.Position)
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestApproxRowCount(t *testing.T) {
	db := newDB(t, 4)
	schema, err := db.Schema(context.Background(), items)
	require.NoError(t, err)

	count, err := db.ApproxRowCount(context.Background(), schema)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	db.ScaleRowCount(10)
	count, err = db.ApproxRowCount(context.Background(), schema)
	require.NoError(t, err)
	assert.Equal(t, int64(40), count)
}

func TestUpdateDelete(t *testing.T) {
	db := newDB(t, 2)

	_, err := db.Update(items, types.Record{"id": int64(3), "name": "v2"})
	assert.Error(t, err)
	_, err = db.Insert(items, types.Record{"id": int64(1), "name": "dup"})
	assert.Error(t, err)

	position, err := db.Delete(items, int64(2))
	require.NoError(t, err)
	current, err := db.CurrentPosition(context.Background())
	require.NoError(t, err)
	assert.Equal(t, position, current)

	schema, err := db.Schema(context.Background(), items)
	require.NoError(t, err)
	low, high, err := db.MinMax(context.Background(), schema, "id")
	require.NoError(t, err)
	assert.Equal(t, int64(1), low)
	assert.Equal(t, int64(1), high)
}
