package driver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
)

func (p *Postgres) MinMax(ctx context.Context, schema *types.TableSchema, column string) (any, any, error) {
	var minValue, maxValue any
	err := p.client.QueryRowContext(ctx, jdbc.MinMaxQuery(jdbc.Postgres, schema.Table, column)).Scan(&minValue, &maxValue)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: failed to scan MinMax of table[%s]: %s", types.ErrTransient, schema.ID(), err)
	}

	if minValue, err = bound(schema, column, minValue); err != nil {
		return nil, nil, err
	}
	if maxValue, err = bound(schema, column, maxValue); err != nil {
		return nil, nil, err
	}
	return minValue, maxValue, nil
}

// ApproxRowCount reads the planner estimate; it is -1 for tables never analyzed
func (p *Postgres) ApproxRowCount(ctx context.Context, schema *types.TableSchema) (int64, error) {
	var approxRowCount int64
	err := p.client.QueryRowContext(ctx, jdbc.PostgresRowCountQuery(), schema.Table.Name, schema.Table.Namespace).Scan(&approxRowCount)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get approx row count of table[%s]: %s", types.ErrTransient, schema.ID(), err)
	}
	return approxRowCount, nil
}

func (p *Postgres) NextChunkEnd(ctx context.Context, schema *types.TableSchema, column string, after any, chunkSize int) (any, error) {
	var end any
	err := p.client.QueryRowContext(ctx, jdbc.NextChunkEndQuery(jdbc.Postgres, schema.Table, column, chunkSize), after).Scan(&end)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get next chunk end of table[%s]: %s", types.ErrTransient, schema.ID(), err)
	}
	return bound(schema, column, end)
}

// ScanChunk reads the chunk inside one repeatable read transaction, fetch_size rows per round trip
func (p *Postgres) ScanChunk(ctx context.Context, schema *types.TableSchema, chunk types.Chunk, onRow func(types.Record) error) error {
	column, err := schema.KeyColumn()
	if err != nil {
		return err
	}

	return jdbc.WithIsolation(ctx, p.client.DB, func(tx *sql.Tx) error {
		stmt, args := jdbc.ChunkScanQuery(jdbc.Postgres, schema.Table, schema.ColumnNames(), column.Name, chunk)
		reader := jdbc.NewReader(ctx, stmt, p.config.FetchSize, tx.QueryContext, args...)
		return reader.Capture(func(rows *sql.Rows) error {
			record := make(types.Record)
			if err := jdbc.MapScan(rows, record, rawValue); err != nil {
				return fmt.Errorf("failed to mapScan record data: %s", err)
			}
			return onRow(record)
		})
	})
}

func bound(schema *types.TableSchema, column string, value any) (any, error) {
	value, _ = rawValue(value, "")
	col, found := schema.Column(column)
	if !found {
		return value, nil
	}
	return typeutils.NormalizeBound(col.Type, value)
}
