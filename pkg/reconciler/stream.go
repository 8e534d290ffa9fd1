package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
)

// Emitter hands an event to the consumer boundary, blocking for backpressure
type Emitter func(ctx context.Context, event *types.ChangeEvent) error

// StreamSplitReader runs the stream split through CREATED -> STREAMING -> FINISHED
// with its own log subscription.
type StreamSplitReader struct {
	split   *types.StreamSplit
	source  tailer.LogSource
	decoder tailer.Decoder
	config  tailer.Config
	offset  *types.OffsetContext
	tables  map[types.TableID]struct{}
	// drain bounds the END emission once the run context is cancelled
	drain time.Duration

	mu    sync.Mutex
	state SplitState
}

func NewStreamSplitReader(split *types.StreamSplit, source tailer.LogSource, decoder tailer.Decoder, config tailer.Config) *StreamSplitReader {
	tables := make(map[types.TableID]struct{}, len(split.Tables))
	for _, table := range split.Tables {
		tables[table] = struct{}{}
	}

	return &StreamSplitReader{
		split:   split,
		source:  source,
		decoder: decoder,
		config:  config,
		offset:  types.NewOffsetContext(split.ID, split.Start),
		tables:  tables,
		drain:   constants.DefaultDrainTimeout,
		state:   Created,
	}
}

func (r *StreamSplitReader) SetDrainTimeout(timeout time.Duration) {
	if timeout > 0 {
		r.drain = timeout
	}
}

func (r *StreamSplitReader) State() SplitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *StreamSplitReader) setState(state SplitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger.Debugf("split[%s] %s -> %s", r.split.ID, r.state, state)
	r.state = state
}

// Offset is the position of the last forwarded event
func (r *StreamSplitReader) Offset() *types.OffsetContext {
	return r.offset
}

// Run forwards log events the finished snapshot splits did not already cover.
// When the end position is reached or ctx is cancelled it emits an END marker.
// After cancellation the marker waits at most the drain timeout for queue space.
func (r *StreamSplitReader) Run(ctx context.Context, emit Emitter) error {
	log := tailer.New(r.source, r.decoder, r.config, r.split.Start, r.split.End)
	log.OnEvent(func(ctx context.Context, event *types.ChangeEvent) error {
		if !r.accepts(event) {
			metrics.StreamEventsFiltered.With(event.Table.ID()).Inc()
			return nil
		}

		event.SplitID = r.split.ID
		if err := emit(ctx, event); err != nil {
			return err
		}
		r.offset.Advance(event.Position)
		return nil
	})

	r.setState(Streaming)
	logger.Infof("starting %s", r.split)
	if err := log.Run(ctx); err != nil {
		return err
	}

	end := types.WatermarkEvent{Kind: types.EndWatermark, SplitID: r.split.ID, Position: log.Position()}
	endCtx, cancel := queue.DrainContext(ctx, r.drain)
	defer cancel()
	if err := emit(endCtx, types.NewWatermarkChangeEvent(types.TableID{}, end)); err != nil {
		return err
	}

	r.setState(Finished)
	logger.Infof("stream split[%s] finished at %s after %d events (end reached[%t])", r.split.ID, end.Position, r.offset.Events(), log.Ended())
	return nil
}

func (r *StreamSplitReader) accepts(event *types.ChangeEvent) bool {
	if len(r.tables) > 0 {
		if _, found := r.tables[event.Table]; !found {
			return false
		}
	}
	return r.split.ShouldEmit(event)
}
