package tailer

import (
	"context"
	"time"

	"github.com/datazip-inc/tidemark/types"
)

// RawRecord is one undecoded log record. Records without Data only report
// that the log advanced to Position (heartbeats, keepalives, rotations).
type RawRecord struct {
	Position  types.Position
	Timestamp time.Time
	Data      any
}

func (r RawRecord) IsProgress() bool {
	return r.Data == nil
}

// Subscription yields raw records in log order
type Subscription interface {
	Next(ctx context.Context) (RawRecord, error)
	Close() error
}

// LogSource is the change log of one database. Subscribe returns an error
// wrapping types.ErrDataLoss when start is no longer retained.
type LogSource interface {
	Subscribe(ctx context.Context, start types.Position) (Subscription, error)
	CurrentPosition(ctx context.Context) (types.Position, error)
}

// Decoder turns a raw record into change events. Events without a position
// inherit the position of their record.
type Decoder interface {
	Decode(ctx context.Context, record RawRecord) ([]*types.ChangeEvent, error)
}

type DecoderFunc func(ctx context.Context, record RawRecord) ([]*types.ChangeEvent, error)

func (f DecoderFunc) Decode(ctx context.Context, record RawRecord) ([]*types.ChangeEvent, error) {
	return f(ctx, record)
}
