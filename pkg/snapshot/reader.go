// Package snapshot reads one chunk of a table between a LOW and a HIGH watermark.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/watermark"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
)

// Source runs chunk queries against the database
type Source interface {
	CurrentPosition(ctx context.Context) (types.Position, error)
	// ScanChunk streams the rows with lower <= key < upper in key order. A nil
	// lower bound also selects rows with a NULL key.
	ScanChunk(ctx context.Context, schema *types.TableSchema, chunk types.Chunk, onRow func(types.Record) error) error
}

type Reader struct {
	source Source
}

func NewReader(source Source) *Reader {
	return &Reader{source: source}
}

// Read emits LOW, every row of the split's chunk as a READ event and HIGH into
// channel. The channel is closed on return; a channel closed without HIGH means
// the read failed and the chunk has to be read again from its start.
//
// The chunk query is not interrupted when ctx is cancelled; the caller decides
// at the chunk boundary whether the result is used.
func (r *Reader) Read(ctx context.Context, split *types.SnapshotSplit, channel *watermark.Channel) error {
	defer channel.Close()
	ctx = context.WithoutCancel(ctx)

	column, err := split.Schema.KeyColumn()
	if err != nil {
		return err
	}

	low, err := r.source.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to read LOW watermark of split[%s]: %w", split.ID, err)
	}
	if err := channel.EmitLow(ctx, low); err != nil {
		return err
	}

	startTime := time.Now()
	rows := 0
	err = r.source.ScanChunk(ctx, split.Schema, split.Chunk, func(record types.Record) error {
		if err := typeutils.ReformatRecord(split.Schema, record); err != nil {
			return err
		}

		rows++
		return channel.EmitRow(ctx, &types.ChangeEvent{
			Table:     split.Table(),
			Operation: types.Read,
			RowID:     split.Schema.RowID(record),
			Key:       record[column.Name],
			After:     record,
			Position:  low,
			Timestamp: time.Unix(0, 0),
			SplitID:   split.ID,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", split.Chunk, err)
	}

	high, err := r.source.CurrentPosition(ctx)
	if err != nil {
		return fmt.Errorf("failed to read HIGH watermark of split[%s]: %w", split.ID, err)
	}
	if err := channel.EmitHigh(ctx, high); err != nil {
		return err
	}

	logger.Debugf("%s read %d rows in %0.2f seconds, window (%s, %s]", split.Chunk, rows, time.Since(startTime).Seconds(), low, high)
	return nil
}
