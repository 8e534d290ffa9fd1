package typeutils

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/datazip-inc/tidemark/types"
)

// Flattener turns a row image into a single level record with normalized
// column names, as written into columnar files.
type Flattener interface {
	Flatten(record types.Record) (types.Record, error)
}

type FlattenerImpl struct {
	omitNilValues bool
}

func NewFlattener() Flattener {
	return &FlattenerImpl{
		omitNilValues: true,
	}
}

// Flatten stringifies nested maps and slices as JSON. Two columns that
// normalize to the same name are an error.
func (f *FlattenerImpl) Flatten(record types.Record) (types.Record, error) {
	destination := make(types.Record, len(record))
	origin := make(map[string]string, len(record))

	for key, value := range record {
		column := Reformat(key)
		if previous, exists := origin[column]; exists {
			return nil, fmt.Errorf("columns[%s] and [%s] both normalize to [%s]", previous, key, column)
		}
		origin[column] = key

		flattened, keep, err := f.flattenValue(value)
		if err != nil {
			return nil, fmt.Errorf("failed to flatten column[%s]: %s", key, err)
		}
		if keep {
			destination[column] = flattened
		}
	}

	return destination, nil
}

func (f *FlattenerImpl) flattenValue(value any) (any, bool, error) {
	if value == nil {
		return nil, !f.omitNilValues, nil
	}

	switch v := value.(type) {
	case time.Time:
		return v, true, nil
	case []byte:
		return string(v), true, nil
	case json.RawMessage:
		return string(v), true, nil
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, false, err
		}
		return string(b), true, nil
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.String:
		return value, true, nil
	default:
		return fmt.Sprint(value), true, nil
	}
}

// Reformat lower cases key and replaces every symbol other than [a-z0-9] with '_'
func Reformat(key string) string {
	var result strings.Builder
	result.Grow(len(key))
	for _, symbol := range strings.ToLower(key) {
		if IsLetterOrNumber(symbol) {
			result.WriteRune(symbol)
		} else {
			result.WriteRune('_')
		}
	}
	return result.String()
}

func IsLetterOrNumber(symbol rune) bool {
	return ('a' <= symbol && symbol <= 'z') ||
		('A' <= symbol && symbol <= 'Z') ||
		('0' <= symbol && symbol <= '9')
}
