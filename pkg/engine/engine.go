// Package engine plans the splits of a capture job, runs the snapshot splits
// on a worker pool around a shared log tailer, then streams the log.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/pkg/queue"
	"github.com/datazip-inc/tidemark/pkg/reconciler"
	"github.com/datazip-inc/tidemark/pkg/schema"
	"github.com/datazip-inc/tidemark/pkg/snapshot"
	"github.com/datazip-inc/tidemark/pkg/splitter"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/hashicorp/go-multierror"
)

// Source is everything the engine needs from a database
type Source interface {
	splitter.Source
	snapshot.Source
	tailer.LogSource
	tailer.Decoder
}

type Config struct {
	Splitter splitter.Config
	Tailer   tailer.Config
	Queue    queue.Config
	// MaxThreads bounds the snapshot splits read concurrently
	MaxThreads int
	// RetryCount is the number of attempts per snapshot split
	RetryCount   int
	RetryBackoff time.Duration
	// SplitMetaGroupSize is the number of finished splits logged per group when the stream split is built
	SplitMetaGroupSize int
	// EndPosition bounds the stream split; nil streams until stopped
	EndPosition *types.Position
	// DrainTimeout is how long a started chunk or the END marker may still be
	// queued after the run context was cancelled
	DrainTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 3
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = constants.DefaultRetryBackoff
	}
	if c.SplitMetaGroupSize <= 0 {
		c.SplitMetaGroupSize = constants.DefaultSplitMetaGroupSize
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = constants.DefaultDrainTimeout
	}
}

// Engine runs one capture job. Events are pulled from Queue and acknowledged
// with Commit once the consumer stored them; progress is only recorded on commit.
type Engine struct {
	source  Source
	schemas *schema.Store
	state   *types.State
	config  Config
	queue   *queue.Queue[*types.ChangeEvent]
	tables  []types.TableID

	mu       sync.Mutex
	inflight map[string]*reconciler.Result
	settled  chan struct{}
	streamID string
	// streamTail is the position of the last delivered stream event; it is
	// committed once an event of a later position proves the record complete
	streamTail *types.Position

	emitted atomic.Int64
	running atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
}

func New(source Source, schemas *schema.Store, state *types.State, config Config) *Engine {
	config.setDefaults()
	return &Engine{
		source:   source,
		schemas:  schemas,
		state:    state,
		config:   config,
		queue:    queue.NewEventQueue(config.Queue),
		inflight: make(map[string]*reconciler.Result),
		settled:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Stop tells the engine its consumer is gone. Queued events are dropped and
// Run returns without waiting for commits that can no longer arrive.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
		e.queue.Abort()
	})
}

func (e *Engine) isStopped() bool {
	select {
	case <-e.stopped:
		return true
	default:
		return false
	}
}

func (e *Engine) Queue() *queue.Queue[*types.ChangeEvent] {
	return e.queue
}

func (e *Engine) State() *types.State {
	return e.state
}

// Stats reports emitted events, running snapshot splits and queued events
func (e *Engine) Stats() (int64, int64, int64) {
	return e.emitted.Load(), e.running.Load(), int64(e.queue.Len())
}

// Plan splits every table into snapshot splits. A restored state keeps its plan.
func (e *Engine) Plan(ctx context.Context, tables []types.TableID) error {
	if len(tables) == 0 {
		return fmt.Errorf("%w: no tables selected", types.ErrPlanning)
	}
	e.tables = tables

	if e.state.IsPlanned() {
		for _, split := range e.state.SnapshotSplits() {
			e.schemas.Register(split.Schema)
		}
		logger.Infof("resuming planned state with %d pending snapshot splits", len(e.state.PendingSnapshotSplits()))
		return nil
	}

	if err := e.schemas.Init(ctx, tables); err != nil {
		return err
	}

	// sampled before any table is split so that empty tables are covered from here on
	plannedAt, err := e.source.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to read planning position: %w", err)
	}

	chunker := splitter.New(e.source, e.config.Splitter)
	splits := []*types.SnapshotSplit{}
	empty := []types.TableID{}
	for _, table := range tables {
		tableSchema, err := e.schemas.Get(ctx, table)
		if err != nil {
			return fmt.Errorf("%w: %s", types.ErrPlanning, err)
		}
		chunks, err := chunker.Split(ctx, tableSchema)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			empty = append(empty, table)
			continue
		}
		for _, chunk := range chunks {
			splits = append(splits, types.NewSnapshotSplit(tableSchema, chunk))
		}
	}

	e.state.SetPlan(splits, empty, plannedAt)
	logger.Infof("planned %d snapshot splits over %d tables (%d empty) at %s", len(splits), len(tables), len(empty), plannedAt)
	return nil
}

// Run reads the pending snapshot splits and then the stream split. It returns
// nil when ctx is cancelled, after the queue was closed for the consumer.
func (e *Engine) Run(ctx context.Context) error {
	defer e.queue.Close()

	if !e.state.IsPlanned() {
		return fmt.Errorf("%w: run before plan", types.ErrPlanning)
	}

	stream := e.state.StreamSplit()
	if stream == nil {
		if err := e.runSnapshot(ctx); err != nil {
			if ctx.Err() != nil || e.isStopped() {
				logger.Infof("snapshot phase stopped: %s", err)
				return nil
			}
			return err
		}
		if err := e.awaitCommits(ctx); err != nil {
			logger.Infof("snapshot phase stopped before all chunks were committed: %s", err)
			return nil
		}

		stream = e.buildStreamSplit()
		e.state.SetStreamSplit(stream)
	}

	e.mu.Lock()
	e.streamID = stream.ID
	e.mu.Unlock()

	reader := reconciler.NewStreamSplitReader(stream, e.source, e.source, e.config.Tailer)
	reader.SetDrainTimeout(e.config.DrainTimeout)
	if err := reader.Run(ctx, e.emit); err != nil {
		if e.isStopped() {
			logger.Infof("stream split stopped, consumer is gone: %s", err)
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) runSnapshot(ctx context.Context) error {
	pending := e.state.PendingSnapshotSplits()
	if len(pending) == 0 {
		return nil
	}

	// every LOW is sampled after this position
	start, err := e.source.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to read log position: %w", err)
	}
	log := tailer.New(e.source, e.source, e.config.Tailer, start, nil)
	// a failed tailer stops every split; none of them can close its window
	phaseCtx, stopPhase := context.WithCancel(ctx)
	defer func() {
		stopPhase()
		<-log.Done()
	}()
	go func() {
		if err := log.Run(phaseCtx); err != nil {
			logger.Errorf("snapshot phase log tailer failed: %s", err)
			stopPhase()
		}
	}()

	logger.Infof("starting snapshot phase with %d splits and %d threads", len(pending), e.config.MaxThreads)
	reader := snapshot.NewReader(e.source)
	err = utils.ConcurrentCollect(phaseCtx, pending, e.config.MaxThreads, func(ctx context.Context, split *types.SnapshotSplit, number int) error {
		e.running.Add(1)
		defer e.running.Add(-1)

		attempt := 0
		return utils.RetryOnBackoffContext(ctx, e.config.RetryCount, e.config.RetryBackoff, types.IsRetryable, func() error {
			attempt++
			if attempt > 1 {
				metrics.ChunkRetries.With(split.Table().ID()).Inc()
			}

			result, err := reconciler.NewSnapshotSplitReconciler(split.Clone(), reader, log).Reconcile(ctx)
			if err != nil {
				return fmt.Errorf("split[%d] %s: %w", number, split.ID, err)
			}
			return e.emitChunk(ctx, result)
		})
	})
	select {
	case <-log.Done():
		if logErr := log.Err(); logErr != nil && ctx.Err() == nil {
			return fmt.Errorf("snapshot phase aborted: %w: %w", types.ErrTailerStopped, logErr)
		}
	default:
	}
	return err
}

// emitChunk pushes the chunk's events followed by its HIGH marker. Once the
// first event is queued the chunk keeps being pushed for DrainTimeout after ctx
// is cancelled. A chunk cut short is never committed and is read again on restart.
func (e *Engine) emitChunk(ctx context.Context, result *reconciler.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	e.inflight[result.Split.ID] = result
	e.mu.Unlock()

	drainCtx, cancel := queue.DrainContext(ctx, e.config.DrainTimeout)
	defer cancel()
	for _, event := range append(result.Events, result.Watermark()) {
		if err := e.emit(drainCtx, event); err != nil {
			e.mu.Lock()
			delete(e.inflight, result.Split.ID)
			e.mu.Unlock()
			return fmt.Errorf("failed to emit split[%s]: %w", result.Split.ID, err)
		}
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, event *types.ChangeEvent) error {
	if err := e.queue.Put(ctx, event); err != nil {
		return err
	}
	if !event.IsWatermark() {
		e.emitted.Add(1)
		metrics.EventsEmitted.With(event.Table.ID(), string(event.Operation)).Inc()
	}
	metrics.QueueDepth.Set(float64(e.queue.Len()))
	metrics.QueueBytes.Set(float64(e.queue.Bytes()))
	return nil
}

// Commit acknowledges events the consumer stored. A HIGH marker finishes its
// snapshot split; stream events move the stream split start forward.
func (e *Engine) Commit(events []*types.ChangeEvent) error {
	var errs error
	for _, event := range events {
		if event.IsWatermark() {
			switch event.Watermark.Kind {
			case types.HighWatermark:
				if err := e.commitSplit(event.Watermark.SplitID); err != nil {
					errs = multierror.Append(errs, err)
				}
			case types.EndWatermark:
				e.commitStream(event.Position, true)
			}
			continue
		}
		if e.isStreamEvent(event) {
			e.commitStream(event.Position, false)
		}
	}
	return errs
}

func (e *Engine) commitSplit(splitID string) error {
	e.mu.Lock()
	result, found := e.inflight[splitID]
	e.mu.Unlock()
	if !found {
		return fmt.Errorf("commit of unknown split[%s]", splitID)
	}

	// the state is updated before the split leaves the in-flight set so the
	// stream split is never built without it
	if err := e.state.FinishSnapshotSplit(splitID, result.Low, result.High); err != nil {
		return err
	}
	metrics.ChunksFinished.With(result.Split.Table().ID()).Inc()

	e.mu.Lock()
	delete(e.inflight, splitID)
	remaining := len(e.inflight)
	if remaining == 0 {
		close(e.settled)
		e.settled = make(chan struct{})
	}
	e.mu.Unlock()

	logger.Debugf("split[%s] committed with window (%s, %s], %d splits in flight", splitID, result.Low, result.High, remaining)
	return nil
}

func (e *Engine) isStreamEvent(event *types.ChangeEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streamID != "" && event.SplitID == e.streamID
}

func (e *Engine) commitStream(position types.Position, final bool) {
	e.mu.Lock()
	var commit *types.Position
	switch {
	case final:
		commit = &position
		e.streamTail = nil
	case e.streamTail != nil && position.After(*e.streamTail):
		tail := *e.streamTail
		commit = &tail
		e.streamTail = &position
	default:
		e.streamTail = &position
	}
	e.mu.Unlock()

	if commit != nil {
		e.state.CommitStreamPosition(*commit)
	}
}

// awaitCommits waits until the consumer committed every emitted chunk
func (e *Engine) awaitCommits(ctx context.Context) error {
	for {
		e.mu.Lock()
		remaining := len(e.inflight)
		wait := e.settled
		e.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		logger.Infof("waiting for %d snapshot splits to be committed", remaining)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopped:
			return types.ErrQueueClosed
		case <-wait:
		}
	}
}

// buildStreamSplit turns the finished snapshot splits into the stream split
func (e *Engine) buildStreamSplit() *types.StreamSplit {
	finished := e.state.FinishedSplitInfos()
	plannedAt, _ := e.state.PlannedAt()
	stream := types.NewStreamSplit(utils.ULID(), e.tables, finished, plannedAt, e.config.EndPosition)

	for group := 0; group*e.config.SplitMetaGroupSize < len(stream.FinishedSplits); group++ {
		from := group * e.config.SplitMetaGroupSize
		to := min(from+e.config.SplitMetaGroupSize, len(stream.FinishedSplits))
		metas := stream.FinishedSplits[from:to]
		logger.Infof("finished split metadata group[%d] holds %d splits with HIGH in [%s, %s]", group, len(metas), metas[0].High, metas[len(metas)-1].High)
	}
	logger.Infof("built %s", stream)
	return stream
}
