package tailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var orders = types.TableID{Namespace: "shop", Name: "orders"}

type script struct {
	subscribeErr error
	records      []RawRecord
	// returned once records are exhausted; nil blocks until the context is done
	err error
}

type scriptedSource struct {
	mu      sync.Mutex
	scripts []script
	starts  []types.Position
}

func (s *scriptedSource) Subscribe(_ context.Context, start types.Position) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts = append(s.starts, start)
	if len(s.scripts) == 0 {
		return nil, errors.New("no more scripted subscriptions")
	}
	next := s.scripts[0]
	s.scripts = s.scripts[1:]
	if next.subscribeErr != nil {
		return nil, next.subscribeErr
	}
	return &scriptedSubscription{script: next}, nil
}

func (s *scriptedSource) CurrentPosition(_ context.Context) (types.Position, error) {
	return types.Position{}, nil
}

func (s *scriptedSource) subscribedAt() []types.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Position(nil), s.starts...)
}

type scriptedSubscription struct {
	script script
	next   int
}

func (s *scriptedSubscription) Next(ctx context.Context) (RawRecord, error) {
	if s.next < len(s.script.records) {
		s.next++
		return s.script.records[s.next-1], nil
	}
	if s.script.err != nil {
		return RawRecord{}, s.script.err
	}
	<-ctx.Done()
	return RawRecord{}, ctx.Err()
}

func (s *scriptedSubscription) Close() error {
	return nil
}

var passthrough = DecoderFunc(func(_ context.Context, record RawRecord) ([]*types.ChangeEvent, error) {
	event := *record.Data.(*types.ChangeEvent)
	return []*types.ChangeEvent{&event}, nil
})

func pos(offset uint64) types.Position {
	return types.Position{Offset: offset}
}

func change(offset uint64, table types.TableID, key int64) RawRecord {
	return RawRecord{
		Position: pos(offset),
		Data:     &types.ChangeEvent{Table: table, Operation: types.Update, Key: key, After: types.Record{"id": key}},
	}
}

type collector struct {
	mu     sync.Mutex
	events []*types.ChangeEvent
}

func (c *collector) handle(_ context.Context, event *types.ChangeEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *collector) positions() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := []uint64{}
	for _, event := range c.events {
		result = append(result, event.Position.Offset)
	}
	return result
}

var fastRetry = Config{MaxRetries: 2, RetryBackoff: time.Millisecond}

func TestTailerReconnectsFromLastPosition(t *testing.T) {
	source := &scriptedSource{scripts: []script{
		{records: []RawRecord{change(101, orders, 1), change(102, orders, 2)}, err: types.ErrTransient},
		{records: []RawRecord{change(101, orders, 1), change(102, orders, 2), change(103, orders, 3), {Position: pos(110)}}},
	}}
	end := pos(110)
	tailer := New(source, passthrough, fastRetry, pos(100), &end)
	events := &collector{}
	tailer.OnEvent(events.handle)

	require.NoError(t, tailer.Run(context.Background()))
	assert.Equal(t, []uint64{101, 102, 103}, events.positions())
	assert.Equal(t, []types.Position{pos(100), pos(102)}, source.subscribedAt())
	assert.True(t, tailer.Ended())
	assert.Equal(t, pos(110), tailer.Position())
}

func TestTailerFailures(t *testing.T) {
	testCases := []struct {
		name          string
		scripts       []script
		expected      error
		subscriptions int
	}{
		{
			name:          "position regression",
			scripts:       []script{{records: []RawRecord{change(101, orders, 1), change(103, orders, 3), change(102, orders, 2)}}},
			expected:      types.ErrWatermarkViolation,
			subscriptions: 1,
		},
		{
			name:          "data loss is not retried",
			scripts:       []script{{subscribeErr: types.ErrDataLoss}, {}},
			expected:      types.ErrDataLoss,
			subscriptions: 1,
		},
		{
			name:          "data loss during the subscription is not retried",
			scripts:       []script{{records: []RawRecord{change(101, orders, 1)}, err: types.ErrDataLoss}, {}},
			expected:      types.ErrDataLoss,
			subscriptions: 1,
		},
		{
			name: "reconnect budget exhausted",
			scripts: []script{
				{subscribeErr: types.ErrTransient},
				{subscribeErr: types.ErrTransient},
				{subscribeErr: types.ErrTransient},
				{},
			},
			expected:      types.ErrTransient,
			subscriptions: 3,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			source := &scriptedSource{scripts: tc.scripts}
			tailer := New(source, passthrough, fastRetry, pos(100), nil)

			err := tailer.Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.expected), err.Error())
			assert.Len(t, source.subscribedAt(), tc.subscriptions)
			assert.True(t, errors.Is(tailer.Err(), tc.expected))
		})
	}
}

func TestTailerCancelIsGraceful(t *testing.T) {
	source := &scriptedSource{scripts: []script{{records: []RawRecord{change(101, orders, 1)}}}}
	tailer := New(source, passthrough, fastRetry, pos(100), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = tailer.WaitFor(context.Background(), pos(101))
		cancel()
	}()

	require.NoError(t, tailer.Run(ctx))
	assert.False(t, tailer.Ended())
	assert.Equal(t, pos(101), tailer.Position())
}

func TestTailerWaitFor(t *testing.T) {
	source := &scriptedSource{scripts: []script{{records: []RawRecord{change(101, orders, 1), {Position: pos(105)}}}}}
	tailer := New(source, passthrough, fastRetry, pos(100), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = tailer.Run(ctx)
	}()

	require.NoError(t, tailer.WaitFor(ctx, pos(105)))
	require.NoError(t, tailer.WaitFor(ctx, pos(100)))

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, tailer.WaitFor(waitCtx, pos(200)), context.DeadlineExceeded)

	cancel()
	<-tailer.Done()
	assert.True(t, errors.Is(tailer.WaitFor(context.Background(), pos(200)), types.ErrWatermarkViolation))
}

func TestTailerWaitForFailedTailer(t *testing.T) {
	source := &scriptedSource{scripts: []script{{subscribeErr: types.ErrDataLoss}}}
	tailer := New(source, passthrough, fastRetry, pos(100), nil)
	go func() {
		_ = tailer.Run(context.Background())
	}()

	err := tailer.WaitFor(context.Background(), pos(101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDataLoss))
	assert.True(t, errors.Is(err, types.ErrTailerStopped))
}

func TestTailerWaitForExhaustedReconnects(t *testing.T) {
	failing := script{subscribeErr: fmt.Errorf("%w: connection refused", types.ErrTransient)}
	source := &scriptedSource{scripts: []script{failing, failing, failing, failing}}
	tailer := New(source, passthrough, fastRetry, pos(100), nil)
	go func() {
		_ = tailer.Run(context.Background())
	}()

	err := tailer.WaitFor(context.Background(), pos(101))
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrTailerStopped))
	assert.True(t, errors.Is(err, types.ErrTransient))
	assert.False(t, types.IsRetryable(err), "waiting again on a stopped tailer cannot succeed")
}

func TestTailerWindows(t *testing.T) {
	customers := types.TableID{Namespace: "shop", Name: "customers"}
	schema := &types.TableSchema{Table: orders, Columns: []types.Column{{Name: "id", Type: types.Int64}}, PrimaryKey: []string{"id"}}
	split := types.NewSnapshotSplit(schema, types.NewChunk(orders, 1, int64(5), int64(9)))

	source := &scriptedSource{scripts: []script{{records: []RawRecord{
		change(101, orders, 4),
		change(102, orders, 6),
		change(103, customers, 6),
		change(104, orders, 8),
		change(105, orders, 9),
		{Position: pos(106)},
	}}}}
	tailer := New(source, passthrough, fastRetry, pos(100), nil)
	window := tailer.OpenWindow(split)
	assert.Equal(t, split.ID, window.SplitID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = tailer.Run(ctx)
	}()
	require.NoError(t, tailer.WaitFor(ctx, pos(106)))

	assert.Equal(t, 2, window.Len())
	buffered := window.Events(pos(100), pos(106))
	require.Len(t, buffered, 2)
	assert.Equal(t, int64(6), buffered[0].Key)
	assert.Equal(t, pos(102), buffered[0].Position)
	assert.Equal(t, int64(8), buffered[1].Key)

	assert.Len(t, window.Events(pos(102), pos(103)), 0)
	assert.Len(t, window.Events(pos(101), pos(102)), 1)

	tailer.CloseWindow(window)
	tailer.mu.Lock()
	assert.Empty(t, tailer.windows)
	tailer.mu.Unlock()
}
