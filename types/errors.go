package types

import (
	"context"
	"errors"
)

var (
	// ErrPlanning marks configuration problems found before any split exists:
	// unusable key columns, unknown tables, an empty table list.
	ErrPlanning = errors.New("planning error")
	// ErrTransient marks connection and query failures that a chunk redo or
	// a log reconnect may recover from.
	ErrTransient = errors.New("transient error")
	// ErrDataLoss is returned when the requested log position is no longer
	// retained by the source. Resuming would silently skip events.
	ErrDataLoss = errors.New("log position no longer available")
	// ErrWatermarkViolation marks a broken LOW/HIGH contract or a log position
	// regression. It is an internal fault and never retried.
	ErrWatermarkViolation = errors.New("watermark invariant violated")
	ErrQueueClosed        = errors.New("queue closed")
	// ErrTailerStopped is returned to readers waiting on a log tailer that
	// already gave up; redoing their work cannot succeed
	ErrTailerStopped = errors.New("log tailer stopped")
)

// IsRetryable reports whether err may be recovered by redoing the failed unit of work
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrDataLoss),
		errors.Is(err, ErrWatermarkViolation),
		errors.Is(err, ErrPlanning),
		errors.Is(err, ErrQueueClosed),
		errors.Is(err, ErrTailerStopped),
		errors.Is(err, context.Canceled):
		return false
	}

	return true
}
