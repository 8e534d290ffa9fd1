package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/pkg/engine"
	"github.com/datazip-inc/tidemark/pkg/memdb"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/pkg/schema"
	"github.com/datazip-inc/tidemark/pkg/splitter"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var items = types.TableID{Namespace: "shop", Name: "items"}

type memoryWriter struct {
	mu       sync.Mutex
	written  []*types.ChangeEvent
	durable  []*types.ChangeEvent
	flushes  int
	flushErr error
	closed   bool
}

type noConfig struct{}

func (noConfig) Validate() error { return nil }

func (m *memoryWriter) GetConfigRef() Config                         { return noConfig{} }
func (m *memoryWriter) Check(_ context.Context) error                { return nil }
func (m *memoryWriter) Type() string                                 { return "MEMORY" }
func (m *memoryWriter) Setup(_ context.Context, _ SchemaStore) error { return nil }

func (m *memoryWriter) Write(_ context.Context, events []*types.ChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, events...)
	return nil
}

func (m *memoryWriter) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushErr != nil {
		return m.flushErr
	}
	m.flushes++
	m.durable = append(m.durable, m.written...)
	m.written = nil
	return nil
}

func (m *memoryWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type recordingAck struct {
	mu    sync.Mutex
	acked []types.Position
}

func (r *recordingAck) Acknowledge(position types.Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, position)
}

func newEngine(t *testing.T, keys int, end types.Position) (*memdb.DB, *engine.Engine) {
	t.Helper()
	db := memdb.New()
	require.NoError(t, db.CreateTable(&types.TableSchema{
		Table:      items,
		Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "name", Type: types.String}},
		PrimaryKey: []string{"id"},
	}))
	for id := int64(1); id <= int64(keys); id++ {
		_, err := db.Insert(items, types.Record{"id": id, "name": "v1"})
		require.NoError(t, err)
	}

	eng := engine.New(db, schema.NewStore(db), types.NewState(), engine.Config{
		Splitter:     splitter.Config{ChunkSize: 4},
		Tailer:       tailer.Config{MaxRetries: 2, RetryBackoff: time.Millisecond},
		Queue:        queue.Config{PollInterval: 5 * time.Millisecond, MaxQueueSize: 4},
		MaxThreads:   2,
		RetryBackoff: time.Millisecond,
		EndPosition:  &end,
	})
	require.NoError(t, eng.Plan(context.Background(), []types.TableID{items}))
	return db, eng
}

func rowKeys(events []*types.ChangeEvent, op types.Operation) []int64 {
	keys := []int64{}
	for _, event := range events {
		if event.Operation == op {
			keys = append(keys, event.Key.(int64))
		}
	}
	return keys
}

func TestWriterPoolCommitsAfterFlush(t *testing.T) {
	// 10 inserts before planning and one once the stream split exists
	end := types.Position{Offset: 111}
	db, eng := newEngine(t, 10, end)
	go func() {
		if assert.Eventually(t, func() bool { return eng.State().StreamSplit() != nil }, 5*time.Second, time.Millisecond) {
			_, err := db.Insert(items, types.Record{"id": int64(11), "name": "v1"})
			assert.NoError(t, err)
		}
	}()

	writer := &memoryWriter{}
	ack := &recordingAck{}
	pool, err := NewPool(context.Background(), writer, schema.NewStore(db),
		WithBatchSize(3), WithFlushSize(4), WithFlushInterval(20*time.Millisecond), WithAcknowledger(ack))
	require.NoError(t, err)

	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(context.Background()) }()

	require.NoError(t, pool.Run(context.Background(), eng))
	require.NoError(t, <-engineDone)

	assert.True(t, writer.closed)
	assert.Empty(t, writer.written, "every written row was flushed")
	assert.ElementsMatch(t, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rowKeys(writer.durable, types.Read))
	assert.Equal(t, []int64{11}, rowKeys(writer.durable, types.Insert))
	for _, event := range writer.durable {
		assert.False(t, event.IsWatermark())
	}
	assert.Equal(t, int64(11), pool.Written())
	assert.GreaterOrEqual(t, pool.Committed(), pool.Written())
	assert.GreaterOrEqual(t, writer.flushes, 2)

	assert.Empty(t, eng.State().PendingSnapshotSplits())
	stream := eng.State().StreamSplit()
	require.NotNil(t, stream)
	assert.Equal(t, end, stream.Start)

	require.NotEmpty(t, ack.acked)
	assert.Equal(t, end, ack.acked[len(ack.acked)-1])
}

func TestWriterPoolFlushFailureCommitsNothing(t *testing.T) {
	_, eng := newEngine(t, 10, types.Position{Offset: 200})
	planned := len(eng.State().PendingSnapshotSplits())

	writer := &memoryWriter{flushErr: errors.New("disk full")}
	pool, err := NewPool(context.Background(), writer, nil, WithBatchSize(2), WithFlushSize(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(ctx) }()

	err = pool.Run(context.Background(), eng)
	assert.ErrorContains(t, err, "disk full")
	cancel()
	<-engineDone

	assert.Zero(t, pool.Committed())
	assert.Len(t, eng.State().PendingSnapshotSplits(), planned)
	assert.Nil(t, eng.State().StreamSplit())
	assert.True(t, writer.closed)
}

func TestWriterPoolFailureReleasesEngine(t *testing.T) {
	_, eng := newEngine(t, 10, types.Position{Offset: 200})

	writer := &memoryWriter{flushErr: errors.New("disk full")}
	pool, err := NewPool(context.Background(), writer, nil, WithBatchSize(2), WithFlushSize(1))
	require.NoError(t, err)

	// the engine context stays alive; only the failed pool can release it
	engineDone := make(chan error, 1)
	go func() { engineDone <- eng.Run(context.Background()) }()

	assert.ErrorContains(t, pool.Run(context.Background(), eng), "disk full")
	select {
	case err := <-engineDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine still running after its writer pool failed")
	}
	assert.Zero(t, eng.Queue().Len())
	assert.Nil(t, eng.State().StreamSplit())
}

func TestWatchIdle(t *testing.T) {
	testCases := []struct {
		name      string
		streaming bool
		stopped   bool
	}{
		{name: "idle stream is stopped", streaming: true, stopped: true},
		{name: "snapshot phase is never cut", streaming: false, stopped: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pool, err := NewPool(context.Background(), &memoryWriter{}, nil)
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			stopped := make(chan struct{})
			pool.WatchIdle(ctx, 20*time.Millisecond, func() bool { return tc.streaming }, func() { close(stopped) })

			select {
			case <-stopped:
				assert.True(t, tc.stopped)
			default:
				assert.False(t, tc.stopped)
			}
		})
	}
}

func TestWatchIdleDisabled(t *testing.T) {
	pool, err := NewPool(context.Background(), &memoryWriter{}, nil)
	require.NoError(t, err)

	// returns at once without a timeout
	pool.WatchIdle(context.Background(), 0, func() bool { return true }, func() { t.Fatal("stopped without idle timeout") })
}
