package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/pkg/memdb"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/pkg/schema"
	"github.com/datazip-inc/tidemark/pkg/splitter"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	items  = types.TableID{Namespace: "shop", Name: "items"}
	owners = types.TableID{Namespace: "shop", Name: "owners"}
)

func tableSchema(table types.TableID) *types.TableSchema {
	return &types.TableSchema{
		Table:      table,
		Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "name", Type: types.String}},
		PrimaryKey: []string{"id"},
	}
}

func seed(t *testing.T, keys int, tables ...types.TableID) *memdb.DB {
	db := memdb.New()
	for _, table := range tables {
		require.NoError(t, db.CreateTable(tableSchema(table)))
	}
	for id := int64(1); id <= int64(keys); id++ {
		_, err := db.Insert(items, types.Record{"id": id, "name": "v1"})
		require.NoError(t, err)
	}
	return db
}

func testConfig(end types.Position) Config {
	return Config{
		Splitter:     splitter.Config{ChunkSize: 4},
		Tailer:       tailer.Config{MaxRetries: 2, RetryBackoff: time.Millisecond},
		Queue:        queue.Config{PollInterval: 10 * time.Millisecond, MaxQueueSize: 3},
		MaxThreads:   2,
		RetryCount:   3,
		RetryBackoff: time.Millisecond,
		EndPosition:  &end,
	}
}

// consume polls and commits every batch until the queue is closed
func consume(t *testing.T, engine *Engine) <-chan []*types.ChangeEvent {
	result := make(chan []*types.ChangeEvent, 1)
	go func() {
		received := []*types.ChangeEvent{}
		defer func() { result <- received }()
		for {
			batch, err := engine.Queue().Poll(context.Background(), 2)
			if errors.Is(err, types.ErrQueueClosed) {
				return
			}
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, engine.Commit(batch))
			received = append(received, batch...)
		}
	}()
	return result
}

// afterSnapshot runs change once the stream split was built
func afterSnapshot(t *testing.T, engine *Engine, change func()) {
	go func() {
		if assert.Eventually(t, func() bool { return engine.State().StreamSplit() != nil }, 5*time.Second, time.Millisecond) {
			change()
		}
	}()
}

func keysOf(events []*types.ChangeEvent, op types.Operation) []int64 {
	keys := []int64{}
	for _, event := range events {
		if !event.IsWatermark() && event.Operation == op {
			keys = append(keys, event.Key.(int64))
		}
	}
	return keys
}

func watermarks(events []*types.ChangeEvent, kind types.WatermarkKind) int {
	count := 0
	for _, event := range events {
		if event.IsWatermark() && event.Watermark.Kind == kind {
			count++
		}
	}
	return count
}

func TestEngineSnapshotThenStream(t *testing.T) {
	db := seed(t, 10, items)
	var once sync.Once
	db.OnScan(func(chunk types.Chunk) {
		if chunk.Contains(int64(6)) {
			once.Do(func() {
				_, err := db.Update(items, types.Record{"id": int64(6), "name": "v2"})
				assert.NoError(t, err)
			})
		}
	})

	// 10 inserts, the update during the scan and the insert after the snapshot
	end := types.Position{Offset: 112}
	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(end))
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))
	assert.Len(t, engine.State().SnapshotSplits(), 3)

	received := consume(t, engine)
	afterSnapshot(t, engine, func() {
		_, err := db.Insert(items, types.Record{"id": int64(11), "name": "v1"})
		assert.NoError(t, err)
	})
	require.NoError(t, engine.Run(context.Background()))
	events := <-received

	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 7, 8, 9, 10}, keysOf(events, types.Read))
	assert.Equal(t, []int64{6}, keysOf(events, types.Update))
	assert.Equal(t, []int64{11}, keysOf(events, types.Insert))
	assert.Equal(t, 3, watermarks(events, types.HighWatermark))
	assert.Equal(t, 1, watermarks(events, types.EndWatermark))

	for _, event := range events {
		if event.Operation == types.Update {
			assert.Equal(t, "v2", event.After["name"])
		}
	}

	assert.Empty(t, engine.State().PendingSnapshotSplits())
	stream := engine.State().StreamSplit()
	require.NotNil(t, stream)
	assert.Equal(t, end, stream.Start)
	emitted, running, queued := engine.Stats()
	assert.Equal(t, int64(11), emitted)
	assert.Zero(t, running)
	assert.Zero(t, queued)
}

func TestEngineConcurrentWrites(t *testing.T) {
	db := seed(t, 40, items)
	// every scan rewrites one key, mostly outside of the scanned chunk
	var mu sync.Mutex
	updated := map[int64]bool{}
	db.OnScan(func(chunk types.Chunk) {
		mu.Lock()
		defer mu.Unlock()
		key := int64((len(updated)+1)*7%40 + 1)
		updated[key] = true
		_, err := db.Update(items, types.Record{"id": key, "name": "v2"})
		assert.NoError(t, err)
	})

	// 40 inserts, one update per chunk and the delete after the snapshot
	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(types.Position{Offset: 151}))
	engine.config.MaxThreads = 4
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))
	require.Len(t, engine.State().SnapshotSplits(), 10)

	received := consume(t, engine)
	afterSnapshot(t, engine, func() {
		_, err := db.Delete(items, int64(40))
		assert.NoError(t, err)
	})
	require.NoError(t, engine.Run(context.Background()))
	events := <-received

	// the last event of every key carries its final state
	final := map[int64]*types.ChangeEvent{}
	reads := map[int64]int{}
	for _, event := range events {
		if event.IsWatermark() {
			continue
		}
		key := event.Key.(int64)
		final[key] = event
		if event.Operation == types.Read {
			reads[key]++
		}
	}
	require.Len(t, final, 40)
	for key, count := range reads {
		assert.Equal(t, 1, count, "key %d read more than once", key)
	}
	for key := int64(1); key <= 39; key++ {
		require.NotEqual(t, types.Delete, final[key].Operation)
		expected := "v1"
		if updated[key] {
			expected = "v2"
		}
		assert.Equal(t, expected, final[key].After["name"], "key %d", key)
	}
	assert.Equal(t, types.Delete, final[40].Operation)
	assert.Equal(t, 10, watermarks(events, types.HighWatermark))
}

func TestEngineGracefulStop(t *testing.T) {
	db := seed(t, 3, items)
	config := testConfig(types.Position{})
	config.EndPosition = nil
	engine := New(db, schema.NewStore(db), types.NewState(), config)
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))

	ctx, cancel := context.WithCancel(context.Background())
	received := consume(t, engine)
	afterSnapshot(t, engine, cancel)
	require.NoError(t, engine.Run(ctx))
	events := <-received

	assert.ElementsMatch(t, []int64{1, 2, 3}, keysOf(events, types.Read))
	assert.Equal(t, 1, watermarks(events, types.EndWatermark))
	assert.Equal(t, types.EndWatermark, events[len(events)-1].Watermark.Kind)
}

func TestEngineEmptyTable(t *testing.T) {
	db := seed(t, 0, owners)
	plannedAt, err := db.CurrentPosition(context.Background())
	require.NoError(t, err)

	end := types.Position{Offset: plannedAt.Offset + 1}
	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(end))
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{owners}))
	assert.Empty(t, engine.State().SnapshotSplits())

	var stream *types.StreamSplit
	received := consume(t, engine)
	afterSnapshot(t, engine, func() {
		stream = engine.State().StreamSplit()
		_, err := db.Insert(owners, types.Record{"id": int64(1), "name": "first"})
		assert.NoError(t, err)
	})
	require.NoError(t, engine.Run(context.Background()))
	events := <-received

	require.NotNil(t, stream)
	assert.Equal(t, plannedAt, stream.Start)
	require.Len(t, stream.FinishedSplits, 1)
	marker := stream.FinishedSplits[0]
	assert.Nil(t, marker.Min)
	assert.Nil(t, marker.Max)
	assert.Equal(t, plannedAt, marker.Low)
	assert.Equal(t, plannedAt, marker.High)

	assert.Equal(t, []int64{1}, keysOf(events, types.Insert))
	assert.Zero(t, watermarks(events, types.HighWatermark))
}

func TestEngineResumesPlannedState(t *testing.T) {
	db := seed(t, 10, items)
	end, err := db.CurrentPosition(context.Background())
	require.NoError(t, err)

	first := New(db, schema.NewStore(db), types.NewState(), testConfig(end))
	require.NoError(t, first.Plan(context.Background(), []types.TableID{items}))
	splits := first.State().SnapshotSplits()
	require.Len(t, splits, 3)
	require.NoError(t, first.State().FinishSnapshotSplit(splits[0].ID, end, end))

	restored, err := first.State().Persisted().Restore()
	require.NoError(t, err)
	// planning a restored state neither samples the table nor splits it again
	db.DisableSampling()
	second := New(db, schema.NewStore(db), restored, testConfig(end))
	require.NoError(t, second.Plan(context.Background(), []types.TableID{items}))
	assert.Len(t, second.State().PendingSnapshotSplits(), 2)

	received := consume(t, second)
	require.NoError(t, second.Run(context.Background()))
	events := <-received

	assert.ElementsMatch(t, []int64{5, 6, 7, 8, 9, 10}, keysOf(events, types.Read))
	assert.Equal(t, 2, watermarks(events, types.HighWatermark))
	assert.Empty(t, second.State().PendingSnapshotSplits())
	assert.Equal(t, end, second.State().StreamSplit().Start)
}

func TestEnginePlanErrors(t *testing.T) {
	db := seed(t, 3, items)
	testCases := []struct {
		name   string
		tables []types.TableID
	}{
		{name: "no tables"},
		{name: "unknown table", tables: []types.TableID{{Namespace: "shop", Name: "missing"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			engine := New(db, schema.NewStore(db), types.NewState(), testConfig(types.Position{}))
			err := engine.Plan(context.Background(), tc.tables)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrPlanning))
			assert.False(t, engine.State().IsPlanned())
		})
	}
}

func TestEngineRunBeforePlan(t *testing.T) {
	db := seed(t, 3, items)
	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(types.Position{}))
	err := engine.Run(context.Background())
	assert.True(t, errors.Is(err, types.ErrPlanning))

	_, err = engine.Queue().Poll(context.Background(), 1)
	assert.True(t, errors.Is(err, types.ErrQueueClosed))
}

func TestEngineCommitUnknownSplit(t *testing.T) {
	db := seed(t, 3, items)
	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(types.Position{}))
	high := types.NewWatermarkChangeEvent(items, types.WatermarkEvent{Kind: types.HighWatermark, SplitID: "unknown", Position: types.Position{Offset: 101}})
	assert.Error(t, engine.Commit([]*types.ChangeEvent{high}))
}

func TestEngineTransientScanFailure(t *testing.T) {
	db := seed(t, 10, items)
	db.FailScans(2)
	end, err := db.CurrentPosition(context.Background())
	require.NoError(t, err)

	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(end))
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))
	received := consume(t, engine)
	require.NoError(t, engine.Run(context.Background()))
	events := <-received

	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, keysOf(events, types.Read))
	assert.Empty(t, engine.State().PendingSnapshotSplits())
}

func TestEngineRunReturnsWithoutConsumer(t *testing.T) {
	testCases := []struct {
		name string
		stop func(cancel context.CancelFunc, engine *Engine)
	}{
		{
			name: "run context cancelled",
			stop: func(cancel context.CancelFunc, _ *Engine) { cancel() },
		},
		{
			name: "consumer stopped",
			stop: func(_ context.CancelFunc, engine *Engine) { engine.Stop() },
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			db := seed(t, 10, items)
			config := testConfig(types.Position{Offset: 1000})
			config.DrainTimeout = 20 * time.Millisecond
			engine := New(db, schema.NewStore(db), types.NewState(), config)
			require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- engine.Run(ctx) }()

			// nobody polls, so the first chunk fills the queue and blocks
			require.Eventually(t, func() bool { return engine.Queue().Len() == 3 }, 5*time.Second, time.Millisecond)
			tc.stop(cancel, engine)

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Fatalf("Run still blocked after stop, %d events queued", engine.Queue().Len())
			}
			assert.Empty(t, engine.State().FinishedSplitInfos(), "no chunk was committed")
			assert.Nil(t, engine.State().StreamSplit())
		})
	}
}

func TestEngineStopsSnapshotWhenTailerFails(t *testing.T) {
	db := seed(t, 40, items)
	db.FailSubscriptions(100)
	var scans atomic.Int64
	db.OnScan(func(types.Chunk) {
		scans.Add(1)
		// the HIGH of every chunk lies beyond what the failing tailer reached
		db.Heartbeat()
	})

	engine := New(db, schema.NewStore(db), types.NewState(), testConfig(types.Position{Offset: 1000}))
	require.NoError(t, engine.Plan(context.Background(), []types.TableID{items}))
	splits := len(engine.State().PendingSnapshotSplits())
	require.Equal(t, 10, splits)

	received := consume(t, engine)
	err := engine.Run(context.Background())
	<-received

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTailerStopped)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.LessOrEqual(t, scans.Load(), int64(splits), "no split re-reads its chunk against a stopped tailer")
	assert.Nil(t, engine.State().StreamSplit())
}
