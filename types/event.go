package types

import (
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/datazip-inc/tidemark/constants"
	"github.com/goccy/go-json"
)

type Operation string

const (
	Read   Operation = "r"
	Insert Operation = "c"
	Update Operation = "u"
	Delete Operation = "d"
)

// ChangeEvent is a row change or snapshot row. When Watermark is set the event
// carries no row and marks a split boundary inside the event stream.
type ChangeEvent struct {
	Table     TableID         `json:"table"`
	Operation Operation       `json:"op,omitempty"`
	RowID     string          `json:"row_id,omitempty"`
	Key       any             `json:"key,omitempty"`
	Before    Record          `json:"before,omitempty"`
	After     Record          `json:"after,omitempty"`
	Position  Position        `json:"position"`
	Timestamp time.Time       `json:"ts"`
	SplitID   string          `json:"split_id,omitempty"`
	Watermark *WatermarkEvent `json:"watermark,omitempty"`
}

func NewWatermarkChangeEvent(table TableID, watermark WatermarkEvent) *ChangeEvent {
	return &ChangeEvent{
		Table:     table,
		Position:  watermark.Position,
		SplitID:   watermark.SplitID,
		Watermark: &watermark,
		Timestamp: time.Now().UTC(),
	}
}

// NewRowChangeEvent builds a log change of one row. Key and RowID come from the
// row the change leaves behind, or the removed row for deletes.
func NewRowChangeEvent(schema *TableSchema, op Operation, before, after Record) *ChangeEvent {
	event := &ChangeEvent{Table: schema.Table, Operation: op, Before: before, After: after}
	image := event.Image()
	event.RowID = schema.RowID(image)
	if column, err := schema.KeyColumn(); err == nil {
		event.Key = image[column.Name]
	}
	return event
}

func (e *ChangeEvent) IsWatermark() bool {
	return e.Watermark != nil
}

// Image returns the row state the event leaves behind, or the removed row for deletes
func (e *ChangeEvent) Image() Record {
	if e.Operation == Delete {
		return e.Before
	}
	return e.After
}

// DedupKey is stable across replays of the same change: snapshot rows hash table,
// row and operation; log changes additionally hash their position.
func (e *ChangeEvent) DedupKey() string {
	digest := xxhash.New()
	_, _ = digest.WriteString(e.Table.ID())
	_, _ = digest.WriteString("|")
	if e.IsWatermark() {
		_, _ = digest.WriteString(string(e.Watermark.Kind) + "|" + e.Watermark.SplitID + "|" + e.Position.String())
		return fmt.Sprintf("%016x", digest.Sum64())
	}
	_, _ = digest.WriteString(e.RowID)
	_, _ = digest.WriteString("|")
	_, _ = digest.WriteString(string(e.Operation))
	if e.Operation != Read {
		_, _ = digest.WriteString("|")
		_, _ = digest.WriteString(e.Position.String())
	}
	return fmt.Sprintf("%016x", digest.Sum64())
}

// Size estimates the memory held by the event for byte bounded queues
func (e *ChangeEvent) Size() int64 {
	size := int64(64 + len(e.RowID) + len(e.SplitID) + len(e.Table.Namespace) + len(e.Table.Name) + len(e.Position.File))
	size += recordSize(e.Before) + recordSize(e.After)
	return size
}

func recordSize(record Record) int64 {
	var size int64
	for key, value := range record {
		size += int64(len(key)) + valueSize(value)
	}
	return size
}

func valueSize(value any) int64 {
	switch v := value.(type) {
	case nil:
		return 1
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	case bool, int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	case int, int64, uint, uint64, float64:
		return 8
	case time.Time:
		return 24
	case map[string]any:
		return recordSize(v)
	case []any:
		var size int64
		for _, elem := range v {
			size += valueSize(elem)
		}
		return size
	default:
		return int64(len(fmt.Sprint(v)))
	}
}

// ToDebeziumFormat renders the event as a debezium style key/value envelope
func (e *ChangeEvent) ToDebeziumFormat(db string, normalization bool) ([]byte, error) {
	payload := make(map[string]interface{})
	payload[constants.RowID] = e.RowID

	image := e.Image()
	if normalization {
		for key, value := range image {
			payload[key] = value
		}
	} else {
		dataBytes, err := json.Marshal(image)
		if err != nil {
			return nil, err
		}
		payload["data"] = string(dataBytes)
	}

	payload[constants.OpType] = string(e.Operation)
	payload[constants.DBName] = db
	payload[constants.CdcTimestamp] = e.Timestamp
	payload[constants.LogPosition] = e.Position.String()
	payload[constants.CaptureTimestamp] = time.Now().UTC()

	record := map[string]interface{}{
		"destination_table": e.Table.Name,
		"key": map[string]interface{}{
			"schema": map[string]interface{}{
				"type": "struct",
				"fields": []map[string]interface{}{
					{
						"type":     "string",
						"optional": true,
						"field":    constants.RowID,
					},
				},
				"optional": false,
			},
			"payload": map[string]interface{}{
				constants.RowID: e.RowID,
			},
		},
		"value": map[string]interface{}{
			"schema":  e.debeziumSchema(db, image, normalization),
			"payload": payload,
		},
	}

	return json.Marshal(record)
}

func (e *ChangeEvent) debeziumSchema(db string, image Record, normalization bool) map[string]interface{} {
	fields := []map[string]interface{}{
		{"type": "string", "optional": true, "field": constants.RowID},
	}

	if normalization {
		dataFields := make([]map[string]interface{}, 0, len(image))
		for key, value := range image {
			field := map[string]interface{}{
				"optional": true,
				"field":    key,
			}

			switch value.(type) {
			case bool:
				field["type"] = "boolean"
			case int, int8, int16, int32:
				field["type"] = "int32"
			case int64:
				field["type"] = "int64"
			case float32:
				field["type"] = "float32"
			case float64:
				field["type"] = "float64"
			case time.Time:
				field["type"] = "timestamptz"
			default:
				field["type"] = "string"
			}

			dataFields = append(dataFields, field)
		}

		// consumers detect schema changes by field order
		sort.Slice(dataFields, func(i, j int) bool {
			return dataFields[i]["field"].(string) < dataFields[j]["field"].(string)
		})
		fields = append(fields, dataFields...)
	} else {
		fields = append(fields, map[string]interface{}{"type": "string", "optional": true, "field": "data"})
	}

	fields = append(fields, []map[string]interface{}{
		{"type": "string", "optional": true, "field": constants.OpType},
		{"type": "string", "optional": true, "field": constants.DBName},
		{"type": "timestamptz", "optional": true, "field": constants.CdcTimestamp},
		{"type": "string", "optional": true, "field": constants.LogPosition},
		{"type": "timestamptz", "optional": true, "field": constants.CaptureTimestamp},
	}...)

	return map[string]interface{}{
		"type":     "struct",
		"fields":   fields,
		"optional": false,
		"name":     fmt.Sprintf("%s.%s", db, e.Table.Name),
	}
}
