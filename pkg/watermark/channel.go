// Package watermark carries the LOW, row and HIGH signals of one chunk read
// from the snapshot reader to the reconciler.
package watermark

import (
	"context"
	"fmt"

	"github.com/datazip-inc/tidemark/types"
)

// Signal is either a watermark or a snapshot row
type Signal struct {
	Watermark *types.WatermarkEvent
	Row       *types.ChangeEvent
}

func (s Signal) IsWatermark() bool {
	return s.Watermark != nil
}

type phase int

const (
	phaseCreated phase = iota
	phaseLow
	phaseHigh
)

func (p phase) String() string {
	switch p {
	case phaseCreated:
		return "CREATED"
	case phaseLow:
		return "LOW"
	default:
		return "HIGH"
	}
}

// Channel is single-writer and single-reader per chunk: the writer side
// needs no locking and rejects signals out of LOW, rows, HIGH order.
type Channel struct {
	splitID string
	signals chan Signal
	writer  Tracker
	closed  bool
}

func NewChannel(splitID string, buffer int) *Channel {
	return &Channel{
		splitID: splitID,
		signals: make(chan Signal, max(buffer, 0)),
		writer:  Tracker{splitID: splitID},
	}
}

func (c *Channel) SplitID() string {
	return c.splitID
}

func (c *Channel) Signals() <-chan Signal {
	return c.signals
}

func (c *Channel) EmitLow(ctx context.Context, position types.Position) error {
	return c.emit(ctx, Signal{Watermark: &types.WatermarkEvent{Kind: types.LowWatermark, SplitID: c.splitID, Position: position}})
}

func (c *Channel) EmitRow(ctx context.Context, row *types.ChangeEvent) error {
	return c.emit(ctx, Signal{Row: row})
}

// EmitHigh sends HIGH and closes the channel
func (c *Channel) EmitHigh(ctx context.Context, position types.Position) error {
	if err := c.emit(ctx, Signal{Watermark: &types.WatermarkEvent{Kind: types.HighWatermark, SplitID: c.splitID, Position: position}}); err != nil {
		return err
	}
	c.Close()
	return nil
}

func (c *Channel) emit(ctx context.Context, signal Signal) error {
	if c.closed {
		return fmt.Errorf("%w: split[%s] signal after channel closed", types.ErrWatermarkViolation, c.splitID)
	}
	if err := c.writer.Observe(signal); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.signals <- signal:
		return nil
	}
}

// Close ends the signal sequence; a reader that saw no HIGH treats the read as aborted
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.signals)
}

// Tracker validates the order of signals of one chunk
type Tracker struct {
	splitID string
	phase   phase
	low     types.Position
	high    types.Position
}

func NewTracker(splitID string) *Tracker {
	return &Tracker{splitID: splitID}
}

func (t *Tracker) Observe(signal Signal) error {
	if !signal.IsWatermark() {
		if t.phase != phaseLow {
			return fmt.Errorf("%w: split[%s] row observed in phase %s", types.ErrWatermarkViolation, t.splitID, t.phase)
		}
		return nil
	}

	watermark := signal.Watermark
	if watermark.SplitID != t.splitID {
		return fmt.Errorf("%w: watermark of split[%s] observed on channel of split[%s]", types.ErrWatermarkViolation, watermark.SplitID, t.splitID)
	}

	switch watermark.Kind {
	case types.LowWatermark:
		if t.phase != phaseCreated {
			return fmt.Errorf("%w: split[%s] LOW observed in phase %s", types.ErrWatermarkViolation, t.splitID, t.phase)
		}
		t.low = watermark.Position
		t.phase = phaseLow
	case types.HighWatermark:
		if t.phase != phaseLow {
			return fmt.Errorf("%w: split[%s] HIGH observed in phase %s", types.ErrWatermarkViolation, t.splitID, t.phase)
		}
		if watermark.Position.Before(t.low) {
			return fmt.Errorf("%w: split[%s] HIGH %s is before LOW %s", types.ErrWatermarkViolation, t.splitID, watermark.Position, t.low)
		}
		t.high = watermark.Position
		t.phase = phaseHigh
	default:
		return fmt.Errorf("%w: split[%s] unexpected %s watermark on a chunk channel", types.ErrWatermarkViolation, t.splitID, watermark.Kind)
	}
	return nil
}

// Window returns LOW and HIGH once both were observed
func (t *Tracker) Window() (types.Position, types.Position, bool) {
	return t.low, t.high, t.phase == phaseHigh
}
