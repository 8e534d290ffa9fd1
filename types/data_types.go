package types

import (
	"github.com/parquet-go/parquet-go"
)

type DataType string

const (
	Null           DataType = "null"
	Int32          DataType = "integer_small"
	Int64          DataType = "integer"
	Float32        DataType = "number_small"
	Float64        DataType = "number"
	String         DataType = "string"
	Bool           DataType = "boolean"
	Object         DataType = "object"
	Array          DataType = "array"
	Unknown        DataType = "unknown"
	Timestamp      DataType = "timestamp"
	TimestampMilli DataType = "timestamp_milli" // storing datetime up to 3 precisions
	TimestampMicro DataType = "timestamp_micro" // storing datetime up to 6 precisions
	TimestampNano  DataType = "timestamp_nano"  // storing datetime up to 9 precisions
)

type Record map[string]any

// IsNumeric reports types whose key space can be divided arithmetically
func (d DataType) IsNumeric() bool {
	switch d {
	case Int32, Int64, Float32, Float64:
		return true
	}
	return false
}

// RangeComparable reports whether values of d can bound a chunk (lower <= key < upper)
func (d DataType) RangeComparable() bool {
	switch d {
	case Int32, Int64, Float32, Float64, String, Timestamp, TimestampMilli, TimestampMicro, TimestampNano:
		return true
	}
	return false
}

func (d DataType) ToNewParquet() parquet.Node {
	var n parquet.Node

	switch d {
	case Int32:
		n = parquet.Leaf(parquet.Int32Type)
	case Float32:
		n = parquet.Leaf(parquet.FloatType)
	case Int64:
		n = parquet.Leaf(parquet.Int64Type)
	case Float64:
		n = parquet.Leaf(parquet.DoubleType)
	case String:
		n = parquet.String()
	case Bool:
		n = parquet.Leaf(parquet.BooleanType)
	case Timestamp, TimestampMilli, TimestampMicro, TimestampNano:
		n = parquet.Timestamp(parquet.Microsecond)
	case Object, Array:
		n = parquet.String()
	default:
		n = parquet.Leaf(parquet.ByteArrayType)
	}

	return parquet.Optional(n)
}
