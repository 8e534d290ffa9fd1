package types

import (
	"fmt"

	"github.com/datazip-inc/tidemark/utils"
)

// Chunk is the key range [Min, Max) of a table. A nil bound is unbounded.
type Chunk struct {
	ID    string  `json:"id" msgpack:"id"`
	Table TableID `json:"table" msgpack:"table"`
	Index int     `json:"index" msgpack:"index"`
	Min   any     `json:"min" msgpack:"min"`
	Max   any     `json:"max" msgpack:"max"`
}

func NewChunk(table TableID, index int, min, max any) Chunk {
	return Chunk{
		ID:    ChunkID(table, index),
		Table: table,
		Index: index,
		Min:   min,
		Max:   max,
	}
}

func ChunkID(table TableID, index int) string {
	return fmt.Sprintf("%s:%d", table.ID(), index)
}

// Contains reports whether key falls inside the chunk. NULL keys belong to the
// chunk without a lower bound, matching the scan query of the first chunk.
func (c Chunk) Contains(key any) bool {
	if c.Min != nil && (key == nil || utils.CompareInterfaceValue(key, c.Min) < 0) {
		return false
	}
	if c.Max != nil && key != nil && utils.CompareInterfaceValue(key, c.Max) >= 0 {
		return false
	}
	return true
}

func (c Chunk) String() string {
	lower, upper := "-inf", "+inf"
	if c.Min != nil {
		lower = utils.ConvertToString(c.Min)
	}
	if c.Max != nil {
		upper = utils.ConvertToString(c.Max)
	}
	return fmt.Sprintf("chunk[%s] [%s, %s)", c.ID, lower, upper)
}
