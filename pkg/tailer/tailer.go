// Package tailer follows a database change log and hands decoded events to
// the chunk windows and stream consumers that need them.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/types"
)

type Config struct {
	// MaxRetries bounds consecutive reconnects without a successfully read record
	MaxRetries int
	// RetryBackoff is the first reconnect delay, doubled on every attempt
	RetryBackoff time.Duration
}

// EventHandler receives every decoded event in log order. It may block to apply backpressure.
type EventHandler func(ctx context.Context, event *types.ChangeEvent) error

// Tailer is the single log subscription shared by all chunk windows of a
// snapshot phase, or owned by one stream split.
type Tailer struct {
	source  LogSource
	decoder Decoder
	config  Config
	end     *types.Position
	handler EventHandler

	mu       sync.Mutex
	position types.Position
	progress chan struct{}
	windows  map[string]*Window
	ended    bool
	err      error
	done     chan struct{}
}

// New creates a tailer that resumes after start and stops once end is reached (if set)
func New(source LogSource, decoder Decoder, config Config, start types.Position, end *types.Position) *Tailer {
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = constants.DefaultRetryBackoff
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = constants.DefaultConnectMaxRetries
	}

	return &Tailer{
		source:   source,
		decoder:  decoder,
		config:   config,
		end:      end,
		position: start,
		progress: make(chan struct{}),
		windows:  make(map[string]*Window),
		ended:    end != nil && !start.Before(*end),
		done:     make(chan struct{}),
	}
}

// OnEvent sets the consumer of every decoded event; call before Run
func (t *Tailer) OnEvent(handler EventHandler) {
	t.handler = handler
}

// Position is the position of the last processed record
func (t *Tailer) Position() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.position
}

func (t *Tailer) Done() <-chan struct{} {
	return t.done
}

// Err is the terminal error once Done is closed
func (t *Tailer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Ended reports whether the tailer stopped because it reached its end position
func (t *Tailer) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

// OpenWindow starts buffering events of the split's key range. Open it before
// the split's LOW watermark is taken so no event after LOW is missed.
func (t *Tailer) OpenWindow(split *types.SnapshotSplit) *Window {
	window := newWindow(split)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.windows[split.ID] = window
	return window
}

// CloseWindow stops buffering for the window and releases its events
func (t *Tailer) CloseWindow(window *Window) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, window.SplitID())
}

// WaitFor blocks until the tailer processed the log through position
func (t *Tailer) WaitFor(ctx context.Context, position types.Position) error {
	for {
		t.mu.Lock()
		if !t.position.Before(position) {
			t.mu.Unlock()
			return nil
		}
		wait := t.progress
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			if t.Position().Before(position) {
				if err := t.Err(); err != nil {
					return fmt.Errorf("%w before reaching %s: %w", types.ErrTailerStopped, position, err)
				}
				return fmt.Errorf("%w: log tailer stopped at %s before reaching %s", types.ErrWatermarkViolation, t.Position(), position)
			}
			return nil
		case <-wait:
		}
	}
}

// Run tails the log until ctx is cancelled, the end position is reached or a
// fatal error occurs. Transient failures reconnect from the last processed position.
func (t *Tailer) Run(ctx context.Context) (err error) {
	defer func() {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			err = nil
		}
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.done)
	}()

	failures := 0
	sleep := t.config.RetryBackoff
	for {
		if t.reachedEnd() {
			return nil
		}

		resumeFrom := t.Position()
		consumed, err := t.consume(ctx, resumeFrom)
		if err == nil || ctx.Err() != nil {
			return nil
		}
		if !types.IsRetryable(err) {
			return err
		}

		if consumed > 0 {
			failures = 0
			sleep = t.config.RetryBackoff
		}
		failures++
		if failures > t.config.MaxRetries {
			return fmt.Errorf("log tailer exceeded %d reconnect attempts: %w", t.config.MaxRetries, err)
		}

		metrics.TailerReconnects.Inc()
		logger.Warnf("log subscription lost at %s, reconnect attempt[%d] in %.2f seconds: %s", resumeFrom, failures, sleep.Seconds(), err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
		sleep *= 2
	}
}

// consume runs one subscription and returns the number of records it processed
func (t *Tailer) consume(ctx context.Context, resumeFrom types.Position) (int, error) {
	subscription, err := t.source.Subscribe(ctx, resumeFrom)
	if err != nil {
		return 0, fmt.Errorf("failed to subscribe at %s: %w", resumeFrom, err)
	}
	defer subscription.Close()

	logger.Infof("log subscription started at %s", resumeFrom)
	consumed := 0
	for {
		record, err := subscription.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: log subscription closed by source", types.ErrTransient)
			}
			return consumed, err
		}

		if err := t.process(ctx, resumeFrom, record); err != nil {
			return consumed, err
		}
		consumed++
		if t.reachedEnd() {
			logger.Infof("log tailer reached end position %s", t.end)
			return consumed, nil
		}
	}
}

func (t *Tailer) process(ctx context.Context, resumeFrom types.Position, record RawRecord) error {
	metrics.TailerRecords.Inc()
	current := t.Position()

	if record.IsProgress() {
		if record.Position.After(current) {
			t.advance(record.Position)
		}
		return nil
	}

	// the source replays from the resume point after a reconnect
	if !record.Position.After(resumeFrom) {
		return nil
	}
	if record.Position.Before(current) {
		return fmt.Errorf("%w: log position went back from %s to %s", types.ErrWatermarkViolation, current, record.Position)
	}

	events, err := t.decoder.Decode(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to decode log record at %s: %w", record.Position, err)
	}

	for _, event := range events {
		if event.Position.IsZero() {
			event.Position = record.Position
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = record.Timestamp
		}
		t.dispatch(event)
		if t.handler != nil {
			if err := t.handler(ctx, event); err != nil {
				return err
			}
		}
	}

	t.advance(record.Position)
	return nil
}

func (t *Tailer) dispatch(event *types.ChangeEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, window := range t.windows {
		if window.matches(event) {
			window.add(event)
		}
	}
}

func (t *Tailer) advance(position types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.position = position
	if t.end != nil && !t.position.Before(*t.end) {
		t.ended = true
	}
	close(t.progress)
	t.progress = make(chan struct{})
}

func (t *Tailer) reachedEnd() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}
