package jdbc

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
)

// Reader pages through the result of an ordered query with LIMIT/OFFSET.
// Run it inside WithIsolation so every page reads the same snapshot.
type Reader struct {
	query     string
	args      []any
	batchSize int
	offset    int
	ctx       context.Context

	exec func(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// NewReader pages by batchSize rows; a batchSize <= 0 reads everything with one query
func NewReader(ctx context.Context, baseQuery string, batchSize int,
	exec func(ctx context.Context, query string, args ...any) (*sql.Rows, error), args ...any) *Reader {
	return &Reader{
		query:     baseQuery,
		batchSize: batchSize,
		offset:    0,
		ctx:       ctx,
		exec:      exec,
		args:      args,
	}
}

func (o *Reader) Capture(onCapture func(*sql.Rows) error) error {
	if strings.HasSuffix(o.query, ";") {
		return fmt.Errorf("base query ends with ';': %s", o.query)
	}

	for {
		query := o.query
		if o.batchSize > 0 {
			query = fmt.Sprintf("%s LIMIT %d OFFSET %d", o.query, o.batchSize, o.offset)
		}

		captured, err := o.page(query, onCapture)
		if err != nil {
			return err
		}
		o.offset += captured
		if o.batchSize <= 0 || captured < o.batchSize {
			return nil
		}
	}
}

func (o *Reader) page(query string, onCapture func(*sql.Rows) error) (int, error) {
	rows, err := o.exec(o.ctx, query, o.args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", types.ErrTransient, err)
	}
	defer rows.Close()

	captured := 0
	for rows.Next() {
		if err := onCapture(rows); err != nil {
			return captured, err
		}
		captured++
	}
	if err := rows.Err(); err != nil {
		return captured, fmt.Errorf("%w: %s", types.ErrTransient, err)
	}
	return captured, nil
}

// MapScan scans the current row into dest keyed by column name. converter maps
// driver values using the database type name of the column.
func MapScan(rows *sql.Rows, dest types.Record, converter func(value any, columnType string) (any, error)) error {
	columns, err := rows.Columns()
	if err != nil {
		return err
	}

	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return err
	}

	scanValues := make([]any, len(columns))
	for i := range scanValues {
		scanValues[i] = new(any)
	}

	if err := rows.Scan(scanValues...); err != nil {
		return err
	}

	for i, col := range columns {
		rawData := *(scanValues[i].(*any))
		if converter == nil {
			dest[col] = rawData
			continue
		}
		conv, err := converter(rawData, columnTypes[i].DatabaseTypeName())
		if err != nil && err != typeutils.ErrNullValue {
			return err
		}
		dest[col] = conv
	}

	return nil
}
