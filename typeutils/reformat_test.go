package typeutils

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeBound(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	testCases := []struct {
		name     string
		dataType types.DataType
		value    any
		expected any
	}{
		{name: "unbounded", dataType: types.Int64, value: nil, expected: nil},
		{name: "json number to int64", dataType: types.Int64, value: json.Number("9007199254740993"), expected: int64(9007199254740993)},
		{name: "json number to int32", dataType: types.Int32, value: json.Number("42"), expected: int32(42)},
		{name: "float64 from json", dataType: types.Float64, value: json.Number("1.5"), expected: float64(1.5)},
		{name: "timestamp string", dataType: types.Timestamp, value: ts.Format(time.RFC3339Nano), expected: ts},
		{name: "string stays string", dataType: types.String, value: "k-10", expected: "k-10"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			normalized, err := NormalizeBound(tc.dataType, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, normalized)
		})
	}
}

func TestReformatRecord(t *testing.T) {
	schema := &types.TableSchema{
		Table: types.TableID{Name: "orders"},
		Columns: []types.Column{
			{Name: "id", Type: types.Int64},
			{Name: "paid", Type: types.Bool},
		},
	}
	record := types.Record{"id": "12", "paid": "t", "extra": 1}

	require.NoError(t, ReformatRecord(schema, record))
	assert.Equal(t, int64(12), record["id"])
	assert.Equal(t, true, record["paid"])
	assert.Equal(t, 1, record["extra"])
}

func TestReformatValue(t *testing.T) {
	ts := time.Date(2024, 5, 6, 7, 8, 9, 500, time.UTC)

	testCases := []struct {
		name      string
		dataType  types.DataType
		value     any
		expected  any
		expectErr bool
	}{
		{name: "unsigned to int64", dataType: types.Int64, value: uint16(7), expected: int64(7)},
		{name: "integral float to int64", dataType: types.Int64, value: float64(12), expected: int64(12)},
		{name: "fractional float is not int64", dataType: types.Int64, value: 1.5, expectErr: true},
		{name: "uint64 overflow", dataType: types.Int64, value: uint64(math.MaxUint64), expectErr: true},
		{name: "int32 overflow", dataType: types.Int32, value: int64(math.MaxInt32) + 1, expectErr: true},
		{name: "bytes to int32", dataType: types.Int32, value: []byte("-5"), expected: int32(-5)},
		{name: "int to float32", dataType: types.Float32, value: 3, expected: float32(3)},
		{name: "text to float64", dataType: types.Float64, value: " 2.25", expected: 2.25},
		{name: "bool from yes", dataType: types.Bool, value: "Yes", expected: true},
		{name: "bool from tinyint", dataType: types.Bool, value: int8(0), expected: false},
		{name: "bool from two", dataType: types.Bool, value: 2, expectErr: true},
		{name: "postgres timestamp text", dataType: types.TimestampMicro, value: "2024-05-06 07:08:09.0000005+00", expected: ts},
		{name: "unix seconds", dataType: types.Timestamp, value: int64(0), expected: time.Unix(0, 0).UTC()},
		{name: "string from bytes", dataType: types.String, value: []byte("abc"), expected: "abc"},
		{name: "string from number", dataType: types.String, value: 10, expected: "10"},
		{name: "scalar wrapped into array", dataType: types.Array, value: "x", expected: []any{"x"}},
		{name: "object passes through", dataType: types.Object, value: map[string]any{"a": 1}, expected: map[string]any{"a": 1}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			value, err := ReformatValue(tc.dataType, tc.value)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			if expected, ok := tc.expected.(time.Time); ok {
				assert.True(t, expected.Equal(value.(time.Time)), "got %v", value)
				return
			}
			assert.Equal(t, tc.expected, value)
		})
	}
}

func TestReformatDateClampsYear(t *testing.T) {
	far := time.Date(12024, 1, 2, 0, 0, 0, 0, time.UTC)
	clamped, err := ReformatDate(far)
	require.NoError(t, err)
	assert.Equal(t, 9999, clamped.Year())

	_, err = ReformatDate(&sql.NullTime{})
	assert.Error(t, err)
	_, err = ReformatDate(sql.NullTime{})
	assert.ErrorIs(t, err, ErrNullValue)
}
