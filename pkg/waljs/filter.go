package waljs

import (
	"bytes"
	"context"
	"fmt"

	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
	"github.com/goccy/go-json"
)

// Schemas resolves the captured tables; unknown tables are skipped
type Schemas interface {
	Lookup(table types.TableID) (*types.TableSchema, bool)
}

// ChangeFilter decodes wal2json transactions of the captured tables into change events
type ChangeFilter struct {
	schemas Schemas
}

func NewChangeFilter(schemas Schemas) *ChangeFilter {
	return &ChangeFilter{schemas: schemas}
}

func (c *ChangeFilter) Decode(_ context.Context, record tailer.RawRecord) ([]*types.ChangeEvent, error) {
	data, ok := record.Data.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected wal record payload %T", record.Data)
	}

	var changes WALMessage
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&changes); err != nil {
		return nil, fmt.Errorf("failed to parse change received from wal logs: %s", err)
	}

	events := []*types.ChangeEvent{}
	for _, ch := range changes.Change {
		schema, exists := c.schemas.Lookup(types.TableID{Namespace: ch.Schema, Name: ch.Table})
		if !exists {
			continue
		}

		var operation types.Operation
		switch ch.Kind {
		case "insert":
			operation = types.Insert
		case "update":
			operation = types.Update
		case "delete":
			operation = types.Delete
		default:
			continue
		}

		var before, after types.Record
		var err error
		if operation != types.Insert && len(ch.Oldkeys.Keynames) > 0 {
			before, err = buildRecord(schema, ch.Oldkeys.Keynames, ch.Oldkeys.Keyvalues)
			if err != nil {
				return nil, fmt.Errorf("failed to convert change data of table[%s]: %s", schema.ID(), err)
			}
		}
		if operation != types.Delete {
			after, err = buildRecord(schema, ch.Columnnames, ch.Columnvalues)
			if err != nil {
				return nil, fmt.Errorf("failed to convert change data of table[%s]: %s", schema.ID(), err)
			}
		}
		if operation == types.Delete && before == nil {
			return nil, fmt.Errorf("delete on table[%s] carries no old keys, check its replica identity", schema.ID())
		}

		events = append(events, types.NewRowChangeEvent(schema, operation, before, after))
	}
	return events, nil
}

func buildRecord(schema *types.TableSchema, names []string, values []any) (types.Record, error) {
	if len(names) != len(values) {
		return nil, fmt.Errorf("column count mismatch: expected %d, got %d", len(names), len(values))
	}
	record := make(types.Record, len(names))
	for i, name := range names {
		record[name] = values[i]
	}
	return record, typeutils.ReformatRecord(schema, record)
}
