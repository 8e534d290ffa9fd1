package typeutils

import (
	"database/sql"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/datazip-inc/tidemark/types"
)

var ErrNullValue = fmt.Errorf("null value")

// timestampLayouts are tried in order on textual timestamps from drivers and checkpoints
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// numberLike matches json.Number produced by decoders running with UseNumber
type numberLike interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// ReformatRecord converts every column of record into the type declared by schema.
// Columns unknown to the schema are kept as they are.
func ReformatRecord(schema *types.TableSchema, record types.Record) error {
	for key, val := range record {
		column, found := schema.Column(key)
		if !found {
			continue
		}
		updated, err := ReformatValue(column.Type, val)
		if err != nil && err != ErrNullValue {
			return fmt.Errorf("failed to reformat value[%v] to datatype[%s] for key[%s]: %s", val, column.Type, key, err)
		}
		record[key] = updated
	}

	return nil
}

// NormalizeBound restores the Go type of a chunk bound after it went through a
// text codec. nil stays nil (unbounded).
func NormalizeBound(dataType types.DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if number, ok := v.(numberLike); ok && !dataType.IsNumeric() {
		v = number.String()
	}
	return ReformatValue(dataType, v)
}

// ReformatValue converts v into the Go type backing dataType. Object, Unknown
// and other unlisted types pass through unchanged.
func ReformatValue(dataType types.DataType, v any) (any, error) {
	if ptr, ok := v.(*any); ok {
		if ptr == nil {
			return nil, ErrNullValue
		}
		v = *ptr
	}

	switch dataType {
	case types.Null:
		return nil, ErrNullValue
	case types.Bool:
		return reformatBool(v)
	case types.Int64:
		return ReformatInt64(v)
	case types.Int32:
		i, err := ReformatInt64(v)
		if err != nil {
			return int32(0), err
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return int32(0), fmt.Errorf("value %d overflows int32", i)
		}
		return int32(i), nil
	case types.Float64:
		return reformatFloat(v, 64)
	case types.Float32:
		f, err := reformatFloat(v, 32)
		return float32(f), err
	case types.Timestamp, types.TimestampMilli, types.TimestampMicro, types.TimestampNano:
		return ReformatDate(v)
	case types.String:
		switch v := v.(type) {
		case string:
			return v, nil
		case []byte:
			return string(v), nil
		default:
			return fmt.Sprint(v), nil
		}
	case types.Array:
		if value, isArray := v.([]any); isArray {
			return value, nil
		}
		return []any{v}, nil
	default:
		return v, nil
	}
}

func reformatBool(v any) (bool, error) {
	switch v := v.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "1", "t", "true", "y", "yes":
			return true, nil
		case "0", "f", "false", "n", "no":
			return false, nil
		}
	case []byte:
		return reformatBool(string(v))
	default:
		if i, err := ReformatInt64(v); err == nil && (i == 0 || i == 1) {
			return i == 1, nil
		}
	}
	return false, fmt.Errorf("found to be boolean, but value is not boolean : %v", v)
}

// ReformatInt64 accepts every integer kind, integral floats, bools and decimal text
func ReformatInt64(v any) (int64, error) {
	switch v := v.(type) {
	case numberLike:
		return v.Int64()
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("failed to change string %v to int64: %v", v, err)
		}
		return i, nil
	case []byte:
		return ReformatInt64(string(v))
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return rv.Int(), nil
	case rv.CanUint():
		if rv.Uint() > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", rv.Uint())
		}
		//nolint:gosec,G115
		return int64(rv.Uint()), nil
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f > math.MaxInt64 {
			return 0, fmt.Errorf("value %v is not an int64", f)
		}
		return int64(f), nil
	}

	return 0, fmt.Errorf("failed to change %v (type:%T) to int64", v, v)
}

func reformatFloat(v any, bitSize int) (float64, error) {
	switch v := v.(type) {
	case numberLike:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), bitSize)
		if err != nil {
			return 0, fmt.Errorf("failed to change string %v to float%d: %v", v, bitSize, err)
		}
		return f, nil
	case []byte:
		return reformatFloat(string(v), bitSize)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}

	rv := reflect.ValueOf(v)
	switch {
	case rv.CanFloat():
		return rv.Float(), nil
	case rv.CanInt():
		return float64(rv.Int()), nil
	case rv.CanUint():
		return float64(rv.Uint()), nil
	}

	return 0, fmt.Errorf("failed to change %v (type:%T) to float%d", v, v, bitSize)
}

// ReformatDate parses driver and checkpoint timestamps. Integers are unix seconds.
// Years are clamped to [0, 9999], the range parquet and JSON writers can encode.
func ReformatDate(v any) (time.Time, error) {
	var parsed time.Time
	switch v := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		parsed = v
	case *time.Time:
		if v == nil {
			return time.Time{}, ErrNullValue
		}
		parsed = *v
	case sql.NullTime:
		if !v.Valid {
			return time.Time{}, ErrNullValue
		}
		parsed = v.Time
	case string:
		var err error
		if parsed, err = parseTimestamp(v); err != nil {
			return time.Time{}, err
		}
	case []byte:
		return ReformatDate(string(v))
	default:
		seconds, err := ReformatInt64(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("unhandled type[%T] passed: unable to parse into time", v)
		}
		parsed = time.Unix(seconds, 0).UTC()
	}

	if year := parsed.Year(); year < 0 {
		parsed = parsed.AddDate(-year, 0, 0)
	} else if year > 9999 {
		parsed = parsed.AddDate(9999-year, 0, 0)
	}
	return parsed, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var parsed time.Time
		if parsed, err = time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("failed to parse datetime from available formats: %s", err)
}
