package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
)

type NewFunc func() Writer

var RegisteredWriters = map[types.AdapterType]NewFunc{}

// Committer is the part of the engine the pool drives
type Committer interface {
	Queue() *queue.Queue[*types.ChangeEvent]
	Commit(events []*types.ChangeEvent) error
	State() *types.State
	// Stop releases a producer blocked on a queue nobody polls anymore
	Stop()
}

type Options struct {
	BatchSize     int
	FlushSize     int
	FlushInterval time.Duration
	Acknowledger  Acknowledger
}

type PoolOptions func(opt *Options)

func WithBatchSize(size int) PoolOptions {
	return func(opt *Options) {
		opt.BatchSize = size
	}
}

// WithFlushSize flushes the writer once this many row events are pending
func WithFlushSize(size int) PoolOptions {
	return func(opt *Options) {
		opt.FlushSize = size
	}
}

func WithFlushInterval(interval time.Duration) PoolOptions {
	return func(opt *Options) {
		opt.FlushInterval = interval
	}
}

// WithAcknowledger reports committed stream positions to the log source
func WithAcknowledger(ack Acknowledger) PoolOptions {
	return func(opt *Options) {
		opt.Acknowledger = ack
	}
}

// WriterPool moves events from the engine queue into the writer. Polled
// batches are committed to the engine only after the writer flushed them.
type WriterPool struct {
	writer  Writer
	options Options

	pending     [][]*types.ChangeEvent
	pendingRows int
	lastFlush   time.Time

	written   atomic.Int64
	committed atomic.Int64
	lastWrite atomic.Int64 // unix nanos of the last written row event
}

// NewWriterPool creates, checks and sets up the writer selected by config
func NewWriterPool(ctx context.Context, config *types.WriterConfig, schemas SchemaStore, options ...PoolOptions) (*WriterPool, error) {
	newfunc, found := RegisteredWriters[config.Type]
	if !found {
		return nil, fmt.Errorf("invalid destination type has been passed [%s]", config.Type)
	}

	writer := newfunc()
	if err := utils.Unmarshal(config.WriterConfig, writer.GetConfigRef()); err != nil {
		return nil, err
	}
	if err := writer.GetConfigRef().Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate destination config: %s", err)
	}

	if err := writer.Check(ctx); err != nil {
		return nil, fmt.Errorf("failed to test destination: %s", err)
	}

	return NewPool(ctx, writer, schemas, options...)
}

// NewPool sets up writer and wraps it in a pool
func NewPool(ctx context.Context, writer Writer, schemas SchemaStore, options ...PoolOptions) (*WriterPool, error) {
	opts := Options{
		FlushSize:     10000,
		FlushInterval: 10 * time.Second,
	}
	for _, one := range options {
		one(&opts)
	}

	if err := writer.Setup(ctx, schemas); err != nil {
		return nil, fmt.Errorf("failed to setup %s writer: %s", writer.Type(), err)
	}

	return &WriterPool{writer: writer, options: opts, lastFlush: time.Now()}, nil
}

// Run consumes the queue until it is closed and drained. Every flushed batch
// is committed in poll order.
func (w *WriterPool) Run(ctx context.Context, committer Committer) (err error) {
	defer committer.Stop()
	defer func() {
		if closeErr := w.writer.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s writer: %s", w.writer.Type(), closeErr)
		}
	}()

	for {
		batch, err := committer.Queue().Poll(ctx, w.options.BatchSize)
		closed := errors.Is(err, types.ErrQueueClosed)
		if err != nil && !closed {
			return err
		}

		if len(batch) > 0 {
			if err := w.write(ctx, batch); err != nil {
				return err
			}
		}

		if closed || w.flushDue() {
			if err := w.flush(ctx, committer); err != nil {
				return err
			}
		}
		if closed {
			logger.Infof("writer pool finished, %d events written, %d committed", w.written.Load(), w.committed.Load())
			return nil
		}
	}
}

func (w *WriterPool) write(ctx context.Context, batch []*types.ChangeEvent) error {
	rows := make([]*types.ChangeEvent, 0, len(batch))
	for _, event := range batch {
		if !event.IsWatermark() {
			rows = append(rows, event)
		}
	}

	if len(rows) > 0 {
		if err := w.writer.Write(ctx, rows); err != nil {
			return fmt.Errorf("failed to write %d events: %s", len(rows), err)
		}
		w.written.Add(int64(len(rows)))
		w.lastWrite.Store(time.Now().UnixNano())
		metrics.EventsWritten.Add(float64(len(rows)))
	}

	w.pending = append(w.pending, batch)
	w.pendingRows += len(rows)
	return nil
}

func (w *WriterPool) flushDue() bool {
	if len(w.pending) == 0 {
		return false
	}
	return w.pendingRows >= w.options.FlushSize || time.Since(w.lastFlush) >= w.options.FlushInterval
}

func (w *WriterPool) flush(ctx context.Context, committer Committer) error {
	w.lastFlush = time.Now()
	if len(w.pending) == 0 {
		return nil
	}

	if err := w.writer.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush %s writer: %s", w.writer.Type(), err)
	}
	metrics.WriterFlushes.Inc()

	for _, batch := range w.pending {
		if err := committer.Commit(batch); err != nil {
			return fmt.Errorf("failed to commit events: %s", err)
		}
		w.committed.Add(int64(len(batch)))
	}
	w.pending = nil
	w.pendingRows = 0

	if w.options.Acknowledger != nil {
		if stream := committer.State().StreamSplit(); stream != nil {
			w.options.Acknowledger.Acknowledge(stream.Start)
		}
	}
	return nil
}

// WatchIdle calls stop once streaming ran for idle without a written row
// event. It returns when ctx is done or stop was called.
func (w *WriterPool) WatchIdle(ctx context.Context, idle time.Duration, streaming func() bool, stop func()) {
	if idle <= 0 {
		return
	}

	ticker := time.NewTicker(max(min(idle/4, time.Second), time.Millisecond))
	defer ticker.Stop()

	var streamingSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !streaming() {
				continue
			}
			if streamingSince.IsZero() {
				streamingSince = now
			}

			lastActivity := streamingSince
			if last := time.Unix(0, w.lastWrite.Load()); last.After(lastActivity) {
				lastActivity = last
			}
			if now.Sub(lastActivity) >= idle {
				logger.Infof("no changes for %s, stopping the stream", idle)
				stop()
				return
			}
		}
	}
}

// Written returns the number of row events handed to the writer
func (w *WriterPool) Written() int64 {
	return w.written.Load()
}

func (w *WriterPool) Committed() int64 {
	return w.committed.Load()
}
