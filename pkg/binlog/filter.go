package binlog

import (
	"context"
	"fmt"

	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
	"github.com/go-mysql-org/go-mysql/replication"
)

// Schemas resolves the captured tables; unknown tables are skipped
type Schemas interface {
	Lookup(table types.TableID) (*types.TableSchema, bool)
}

// ChangeFilter decodes rows events of the captured tables into change events.
type ChangeFilter struct {
	schemas Schemas
}

func NewChangeFilter(schemas Schemas) *ChangeFilter {
	return &ChangeFilter{schemas: schemas}
}

func (f *ChangeFilter) Decode(_ context.Context, record tailer.RawRecord) ([]*types.ChangeEvent, error) {
	change, ok := record.Data.(*RowsChange)
	if !ok {
		return nil, fmt.Errorf("unexpected binlog record payload %T", record.Data)
	}

	e := change.Event
	table := types.TableID{Namespace: string(e.Table.Schema), Name: string(e.Table.Table)}
	schema, exists := f.schemas.Lookup(table)
	if !exists {
		return nil, nil
	}

	var operation types.Operation
	switch change.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		operation = types.Insert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		operation = types.Update
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		operation = types.Delete
	default:
		return nil, nil
	}

	columns := e.Table.ColumnNameString()
	if len(columns) == 0 {
		// without binlog_row_metadata=FULL the rows event carries no column names
		columns = schema.ColumnNames()
	}
	toRecord := func(row []any) (types.Record, error) {
		record, err := convertRowToMap(row, columns)
		if err != nil {
			return nil, err
		}
		return record, typeutils.ReformatRecord(schema, record)
	}

	events := []*types.ChangeEvent{}
	step := 1
	if operation == types.Update {
		// update rows come in (before, after) pairs
		step = 2
	}
	for i := 0; i+step-1 < len(e.Rows); i += step {
		image, err := toRecord(e.Rows[i])
		if err != nil {
			return nil, fmt.Errorf("failed to decode row of table[%s]: %s", table, err)
		}

		switch operation {
		case types.Insert:
			events = append(events, types.NewRowChangeEvent(schema, operation, nil, image))
		case types.Delete:
			events = append(events, types.NewRowChangeEvent(schema, operation, image, nil))
		case types.Update:
			after, err := toRecord(e.Rows[i+1])
			if err != nil {
				return nil, fmt.Errorf("failed to decode row of table[%s]: %s", table, err)
			}
			events = append(events, types.NewRowChangeEvent(schema, operation, image, after))
		}
	}
	return events, nil
}

// convertRowToMap converts a binlog row to a map.
func convertRowToMap(row []any, columns []string) (types.Record, error) {
	if len(columns) != len(row) {
		return nil, fmt.Errorf("column count mismatch: expected %d, got %d", len(columns), len(row))
	}
	record := make(types.Record, len(row))
	for i, val := range row {
		record[columns[i]] = val
	}
	return record, nil
}
