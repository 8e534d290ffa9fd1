// Package queue is the backpressure boundary between capture tasks and the consumer.
package queue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/types"
)

type Config struct {
	// PollInterval is the longest Poll waits for the first element
	PollInterval time.Duration `json:"poll_interval"`
	// MaxBatchSize caps the elements returned by one Poll
	MaxBatchSize int `json:"max_batch_size" validate:"gte=0"`
	// MaxQueueSize caps the buffered elements; 0 means unbounded
	MaxQueueSize int `json:"max_queue_size" validate:"gte=0"`
	// MaxQueueSizeInBytes caps the buffered bytes; 0 means unbounded
	MaxQueueSizeInBytes int64 `json:"max_queue_size_in_bytes" validate:"gte=0"`
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = constants.DefaultPollInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = constants.DefaultMaxBatchSize
	}
}

// Queue is a FIFO bounded by element count and total size. Put blocks while
// the queue is full; nothing is ever dropped.
type Queue[T any] struct {
	config Config
	sizer  func(T) int64

	mu      sync.Mutex
	items   []T
	sizes   []int64
	bytes   int64
	closed  bool
	changed chan struct{}
}

func New[T any](config Config, sizer func(T) int64) *Queue[T] {
	config.setDefaults()
	if sizer == nil {
		sizer = func(T) int64 { return 0 }
	}
	return &Queue[T]{
		config:  config,
		sizer:   sizer,
		changed: make(chan struct{}),
	}
}

// NewEventQueue builds the queue of change events sized by their memory estimate
func NewEventQueue(config Config) *Queue[*types.ChangeEvent] {
	return New(config, func(event *types.ChangeEvent) int64 {
		return event.Size()
	})
}

// Put appends item, waiting while the queue is at its element or byte cap.
// An item larger than the byte cap is admitted once the queue is empty.
func (q *Queue[T]) Put(ctx context.Context, item T) error {
	size := q.sizer(item)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return types.ErrQueueClosed
		}
		if q.hasCapacity(size) {
			q.items = append(q.items, item)
			q.sizes = append(q.sizes, size)
			q.bytes += size
			q.broadcast()
			q.mu.Unlock()
			return nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// PutAll appends items in order with the same blocking rules as Put
func (q *Queue[T]) PutAll(ctx context.Context, items []T) error {
	for idx, item := range items {
		if err := q.Put(ctx, item); err != nil {
			return fmt.Errorf("queued %d of %d elements: %w", idx, len(items), err)
		}
	}
	return nil
}

func (q *Queue[T]) hasCapacity(size int64) bool {
	if len(q.items) == 0 {
		return true
	}
	if q.config.MaxQueueSize > 0 && len(q.items) >= q.config.MaxQueueSize {
		return false
	}
	if q.config.MaxQueueSizeInBytes > 0 && q.bytes+size > q.config.MaxQueueSizeInBytes {
		return false
	}
	return true
}

// Poll returns up to batchSize elements (MaxBatchSize when batchSize <= 0).
// It waits at most PollInterval for the first element and returns an empty
// batch when none arrived. A closed queue is drained before ErrQueueClosed.
func (q *Queue[T]) Poll(ctx context.Context, batchSize int) ([]T, error) {
	if batchSize <= 0 || batchSize > q.config.MaxBatchSize {
		batchSize = q.config.MaxBatchSize
	}

	timer := time.NewTimer(q.config.PollInterval)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.take(batchSize)
			q.mu.Unlock()
			return batch, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, types.ErrQueueClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return []T{}, nil
		case <-wait:
		}
	}
}

func (q *Queue[T]) take(batchSize int) []T {
	n := min(batchSize, len(q.items))
	batch := make([]T, n)
	copy(batch, q.items[:n])

	var zero T
	for idx := 0; idx < n; idx++ {
		q.bytes -= q.sizes[idx]
		q.items[idx] = zero
	}
	q.items = q.items[n:]
	q.sizes = q.sizes[n:]
	q.broadcast()

	return batch
}

// broadcast wakes every waiter; callers hold mu
func (q *Queue[T]) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Abort closes the queue and drops what is buffered. Blocked Puts and Polls
// return ErrQueueClosed.
func (q *Queue[T]) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	for idx := range q.items {
		q.items[idx] = zero
	}
	q.items = nil
	q.sizes = nil
	q.bytes = 0
	q.closed = true
	q.broadcast()
}

// DrainContext returns a context that outlives the cancellation of parent by
// grace, so a producer can finish a group of Puts that must stay together.
func DrainContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// Close rejects further Puts. Buffered elements can still be polled.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcast()
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Bytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// RemainingCapacity is the number of elements that can be put without blocking
func (q *Queue[T]) RemainingCapacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.config.MaxQueueSize <= 0 {
		return math.MaxInt
	}
	return max(q.config.MaxQueueSize-len(q.items), 0)
}
