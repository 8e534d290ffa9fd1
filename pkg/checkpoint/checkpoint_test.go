package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState(t *testing.T) *types.State {
	t.Helper()

	orders := types.TableID{Namespace: "shop", Name: "orders"}
	events := types.TableID{Namespace: "shop", Name: "events"}
	ordersSchema := &types.TableSchema{Table: orders, Columns: []types.Column{{Name: "id", Type: types.Int64}}, PrimaryKey: []string{"id"}}
	eventsSchema := &types.TableSchema{Table: events, Columns: []types.Column{{Name: "created_at", Type: types.Timestamp}}, PrimaryKey: []string{"created_at"}}

	boundary := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	state := types.NewState()
	state.SetPlan([]*types.SnapshotSplit{
		types.NewSnapshotSplit(ordersSchema, types.NewChunk(orders, 0, nil, int64(9007199254740993))),
		types.NewSnapshotSplit(ordersSchema, types.NewChunk(orders, 1, int64(9007199254740993), nil)),
		types.NewSnapshotSplit(eventsSchema, types.NewChunk(events, 0, nil, boundary)),
		types.NewSnapshotSplit(eventsSchema, types.NewChunk(events, 1, boundary, nil)),
	}, nil, types.Position{File: "mysql-bin.000001", Offset: 4})
	require.NoError(t, state.FinishSnapshotSplit("shop.orders:0", types.Position{File: "mysql-bin.000001", Offset: 100}, types.Position{File: "mysql-bin.000001", Offset: 180}))

	return state
}

func assertRestored(t *testing.T, restored *types.State) {
	t.Helper()

	splits := restored.SnapshotSplits()
	require.Len(t, splits, 4)
	byID := map[string]*types.SnapshotSplit{}
	for _, split := range splits {
		byID[split.ID] = split
	}

	assert.Equal(t, int64(9007199254740993), byID["shop.orders:0"].Chunk.Max)
	assert.Nil(t, byID["shop.orders:0"].Chunk.Min)
	assert.True(t, byID["shop.orders:0"].Finished)
	assert.Equal(t, types.Position{File: "mysql-bin.000001", Offset: 180}, *byID["shop.orders:0"].High)

	boundary, ok := byID["shop.events:1"].Chunk.Min.(time.Time)
	require.True(t, ok, "timestamp bound must be restored as time.Time")
	assert.True(t, boundary.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	assert.Len(t, restored.PendingSnapshotSplits(), 3)
	plannedAt, found := restored.PlannedAt()
	require.True(t, found)
	assert.Equal(t, uint64(4), plannedAt.Offset)
}

func TestStoresRoundTrip(t *testing.T) {
	testCases := []struct {
		name   string
		config Config
	}{
		{name: "file", config: Config{Type: FileStoreType}},
		{name: "pebble", config: Config{Type: PebbleStoreType}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			tc.config.Path = dir
			if tc.config.Type == FileStoreType {
				tc.config.Path = filepath.Join(dir, "state.json")
			}

			store, err := New(tc.config, "job-1")
			require.NoError(t, err)
			defer store.Close()

			empty, err := LoadState(ctx, store)
			require.NoError(t, err)
			assert.False(t, empty.IsPlanned())

			state := sampleState(t)
			state.SetCheckpointer(NewCheckpointer(ctx, store))
			state.LogState()

			restored, err := LoadState(ctx, store)
			require.NoError(t, err)
			assertRestored(t, restored)
		})
	}
}

func TestStreamSplitBoundsRestored(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	state := sampleState(t)
	state.SetCheckpointer(NewCheckpointer(ctx, store))
	infos := state.FinishedSplitInfos()
	state.SetStreamSplit(types.NewStreamSplit("stream", []types.TableID{{Namespace: "shop", Name: "orders"}}, infos, types.Position{}, nil))

	restored, err := LoadState(ctx, store)
	require.NoError(t, err)
	stream := restored.StreamSplit()
	require.NotNil(t, stream)
	require.Len(t, stream.FinishedSplits, 1)
	assert.Equal(t, int64(9007199254740993), stream.FinishedSplits[0].Max)
	assert.Equal(t, types.Position{File: "mysql-bin.000001", Offset: 180}, stream.Start)
}

func TestUnknownStoreType(t *testing.T) {
	_, err := New(Config{Type: "redis"}, "job")
	assert.Error(t, err)
}
