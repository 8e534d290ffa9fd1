// Package reconciler merges the rows of a chunk read with the log events that
// touched the chunk while it was read, and forwards log events of the stream split.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/pkg/watermark"
	"github.com/datazip-inc/tidemark/types"
)

// SplitState is the lifecycle stage of a snapshot or stream split reader
type SplitState string

// Snapshot split readers move Created -> SnapshotReading -> WatermarkWait ->
// Reconciling -> Finished; the stream split reader moves Created -> Streaming -> Finished.
const (
	Created         SplitState = "CREATED"
	SnapshotReading SplitState = "SNAPSHOT_READING"
	WatermarkWait   SplitState = "WATERMARK_WAIT"
	Reconciling     SplitState = "RECONCILING"
	Streaming       SplitState = "STREAMING"
	Finished        SplitState = "FINISHED"
)

// signalBuffer lets the chunk query run ahead of the reconciler by this many rows
const signalBuffer = 256

// ChunkReader emits LOW, rows and HIGH of one chunk into the channel and closes it
type ChunkReader interface {
	Read(ctx context.Context, split *types.SnapshotSplit, channel *watermark.Channel) error
}

// Log is the shared tailer of the snapshot phase
type Log interface {
	OpenWindow(split *types.SnapshotSplit) *tailer.Window
	CloseWindow(window *tailer.Window)
	WaitFor(ctx context.Context, position types.Position) error
}

// Result is the reconciled output of one chunk
type Result struct {
	Split  *types.SnapshotSplit
	Low    types.Position
	High   types.Position
	Events []*types.ChangeEvent
	// Suppressed counts snapshot rows replaced by log events
	Suppressed int
}

// Watermark returns the HIGH marker that follows the chunk's events downstream
func (r *Result) Watermark() *types.ChangeEvent {
	return types.NewWatermarkChangeEvent(r.Split.Table(), types.WatermarkEvent{
		Kind:     types.HighWatermark,
		SplitID:  r.Split.ID,
		Position: r.High,
	})
}

// SnapshotSplitReconciler runs one snapshot split through
// CREATED -> SNAPSHOT_READING -> WATERMARK_WAIT -> RECONCILING -> FINISHED.
// It owns the split's buffered log events; nothing is emitted before FINISHED.
type SnapshotSplitReconciler struct {
	split  *types.SnapshotSplit
	reader ChunkReader
	log    Log

	mu    sync.Mutex
	state SplitState
}

func NewSnapshotSplitReconciler(split *types.SnapshotSplit, reader ChunkReader, log Log) *SnapshotSplitReconciler {
	return &SnapshotSplitReconciler{split: split, reader: reader, log: log, state: Created}
}

func (r *SnapshotSplitReconciler) State() SplitState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *SnapshotSplitReconciler) setState(state SplitState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logger.Debugf("split[%s] %s -> %s", r.split.ID, r.state, state)
	r.state = state
}

// Reconcile reads the chunk and returns its merged output. A cancelled ctx is
// honoured only once the chunk query completed, and then nothing is returned.
func (r *SnapshotSplitReconciler) Reconcile(ctx context.Context) (*Result, error) {
	startTime := time.Now()

	// the window must exist before LOW is sampled
	window := r.log.OpenWindow(r.split)
	defer r.log.CloseWindow(window)

	channel := watermark.NewChannel(r.split.ID, signalBuffer)
	readErr := make(chan error, 1)
	r.setState(SnapshotReading)
	go func() {
		readErr <- r.reader.Read(ctx, r.split, channel)
	}()

	tracker := watermark.NewTracker(r.split.ID)
	rows := []*types.ChangeEvent{}
	var violation error
	for signal := range channel.Signals() {
		if violation != nil {
			continue
		}
		if err := tracker.Observe(signal); err != nil {
			violation = err
			continue
		}
		if !signal.IsWatermark() {
			rows = append(rows, signal.Row)
		} else if signal.Watermark.Kind == types.HighWatermark {
			r.setState(WatermarkWait)
		}
	}
	if err := <-readErr; err != nil {
		return nil, err
	}
	if violation != nil {
		return nil, violation
	}

	low, high, complete := tracker.Window()
	if !complete {
		return nil, fmt.Errorf("%w: split[%s] read ended without HIGH watermark", types.ErrWatermarkViolation, r.split.ID)
	}
	if err := ctx.Err(); err != nil {
		logger.Infof("split[%s] cancelled, discarding %d rows", r.split.ID, len(rows))
		return nil, err
	}

	if err := r.log.WaitFor(ctx, high); err != nil {
		return nil, fmt.Errorf("split[%s] log never reached HIGH %s: %w", r.split.ID, high, err)
	}

	r.setState(Reconciling)
	events, suppressed := Merge(r.split, rows, window.Events(low, high))
	metrics.ReadsSuppressed.With(r.split.Table().ID()).Add(float64(suppressed))

	r.setState(Finished)
	logger.Debugf("split[%s] reconciled %d rows with %d log events in %0.2f seconds", r.split.ID, len(rows), len(events)-len(rows)+suppressed, time.Since(startTime).Seconds())
	return &Result{Split: r.split, Low: low, High: high, Events: events, Suppressed: suppressed}, nil
}
