package driver

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
)

func (m *MySQL) MinMax(ctx context.Context, schema *types.TableSchema, column string) (any, any, error) {
	var minValue, maxValue any
	err := m.client.QueryRowContext(ctx, jdbc.MinMaxQuery(jdbc.MySQL, schema.Table, column)).Scan(&minValue, &maxValue)
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

func (m *MySQL) ApproxRowCount(ctx context.Context, schema *types.TableSchema) (int64, error) {
	var approxRowCount sql.NullInt64
	err := m.client.QueryRowContext(ctx, jdbc.MySQLTableRowsQuery(), schema.Table.Namespace, schema.Table.Name).Scan(&approxRowCount)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get approx row count of table[%s]: %s", types.ErrTransient, schema.ID(), err)
	}
	return approxRowCount.Int64, nil
}

func (m *MySQL) NextChunkEnd(ctx context.Context, schema *types.TableSchema, column string, after any, chunkSize int) (any, error) {
	var end any
	err := m.client.QueryRowContext(ctx, jdbc.NextChunkEndQuery(jdbc.MySQL, schema.Table, column, chunkSize), after).Scan(&end)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get next chunk end of table[%s]: %s", types.ErrTransient, schema.ID(), err)
	}
	return bound(schema, column, end)
}

// ScanChunk reads the chunk inside one repeatable read transaction, fetch_size rows per round trip
func (m *MySQL) ScanChunk(ctx context.Context, schema *types.TableSchema, chunk types.Chunk, onRow func(types.Record) error) error {
	column, err := schema.KeyColumn()
	if err != nil {
		return err
	}

	return jdbc.WithIsolation(ctx, m.client.DB, func(tx *sql.Tx) error {
		stmt, args := jdbc.ChunkScanQuery(jdbc.MySQL, schema.Table, schema.ColumnNames(), column.Name, chunk)
		reader := jdbc.NewReader(ctx, stmt, m.config.FetchSize, tx.QueryContext, args...)
		return reader.Capture(func(rows *sql.Rows) error {
			record := make(types.Record)
			if err := jdbc.MapScan(rows, record, rawValue); err != nil {
				return fmt.Errorf("failed to mapScan record data: %s", err)
			}
			return onRow(record)
		})
	})
}

// bound converts a key value read from the text protocol into the column type
func bound(schema *types.TableSchema, column string, value any) (any, error) {
	value, _ = rawValue(value, "")
	col, found := schema.Column(column)
	if !found {
		return value, nil
	}
	return typeutils.NormalizeBound(col.Type, value)
}
