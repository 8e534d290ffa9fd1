package types

import (
	"fmt"
	"sort"
)

type SplitKind string

const (
	SnapshotSplitKind SplitKind = "snapshot"
	StreamSplitKind   SplitKind = "stream"
)

// Split is either a *SnapshotSplit or a *StreamSplit. Callers dispatch with a type switch.
type Split interface {
	SplitID() string
	Kind() SplitKind
	split()
}

type SplitBase struct {
	ID string `json:"id" msgpack:"id"`
}

func (b SplitBase) SplitID() string {
	return b.ID
}

// SnapshotSplit reads one chunk. Low and High are set once the chunk was read and reconciled.
type SnapshotSplit struct {
	SplitBase
	Chunk    Chunk        `json:"chunk" msgpack:"chunk"`
	Schema   *TableSchema `json:"schema" msgpack:"schema"`
	Low      *Position    `json:"low,omitempty" msgpack:"low,omitempty"`
	High     *Position    `json:"high,omitempty" msgpack:"high,omitempty"`
	Finished bool         `json:"finished" msgpack:"finished"`
}

func NewSnapshotSplit(schema *TableSchema, chunk Chunk) *SnapshotSplit {
	return &SnapshotSplit{
		SplitBase: SplitBase{ID: chunk.ID},
		Chunk:     chunk,
		Schema:    schema,
	}
}

func (*SnapshotSplit) Kind() SplitKind { return SnapshotSplitKind }
func (*SnapshotSplit) split()          {}

func (s *SnapshotSplit) Table() TableID {
	return s.Chunk.Table
}

func (s *SnapshotSplit) Finish(low, high Position) {
	s.Low = &low
	s.High = &high
	s.Finished = true
}

// Info returns the watermark metadata a stream split keeps after the chunk finished
func (s *SnapshotSplit) Info() FinishedSplitInfo {
	info := FinishedSplitInfo{
		SplitID: s.ID,
		Table:   s.Chunk.Table,
		Min:     s.Chunk.Min,
		Max:     s.Chunk.Max,
	}
	if s.Schema != nil {
		if column, err := s.Schema.KeyColumn(); err == nil {
			info.KeyType = column.Type
		}
	}
	if s.Low != nil {
		info.Low = *s.Low
	}
	if s.High != nil {
		info.High = *s.High
	}
	return info
}

func (s *SnapshotSplit) String() string {
	return fmt.Sprintf("snapshot split %s of table[%s]", s.Chunk, s.Table())
}

// FinishedSplitInfo is what remains of a finished snapshot split for log filtering
type FinishedSplitInfo struct {
	SplitID string   `json:"split_id" msgpack:"split_id"`
	Table   TableID  `json:"table" msgpack:"table"`
	Min     any      `json:"min" msgpack:"min"`
	Max     any      `json:"max" msgpack:"max"`
	KeyType DataType `json:"key_type,omitempty" msgpack:"key_type,omitempty"`
	Low     Position `json:"low" msgpack:"low"`
	High    Position `json:"high" msgpack:"high"`
}

func (f FinishedSplitInfo) Contains(key any) bool {
	return Chunk{Min: f.Min, Max: f.Max}.Contains(key)
}

// StreamSplit tails the log from Start until End, or forever when End is nil
type StreamSplit struct {
	SplitBase
	Start          Position            `json:"start" msgpack:"start"`
	End            *Position           `json:"end,omitempty" msgpack:"end,omitempty"`
	FinishedSplits []FinishedSplitInfo `json:"finished_splits,omitempty" msgpack:"finished_splits,omitempty"`
	Tables         []TableID           `json:"tables" msgpack:"tables"`
}

// NewStreamSplit starts at the lowest HIGH of the finished splits, or at
// fallback when there are none.
func NewStreamSplit(id string, tables []TableID, finished []FinishedSplitInfo, fallback Position, end *Position) *StreamSplit {
	start := fallback
	for idx, info := range finished {
		if idx == 0 {
			start = info.High
			continue
		}
		start = MinPosition(start, info.High)
	}

	sorted := append([]FinishedSplitInfo(nil), finished...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].High.Before(sorted[j].High)
	})

	return &StreamSplit{
		SplitBase:      SplitBase{ID: id},
		Start:          start,
		End:            end,
		FinishedSplits: sorted,
		Tables:         tables,
	}
}

func (*StreamSplit) Kind() SplitKind { return StreamSplitKind }
func (*StreamSplit) split()          {}

func (s *StreamSplit) IsBounded() bool {
	return s.End != nil
}

// MaxHigh is the highest HIGH watermark among the finished splits of table
func (s *StreamSplit) MaxHigh(table TableID) (Position, bool) {
	var (
		result Position
		found  bool
	)
	for _, info := range s.FinishedSplits {
		if info.Table != table {
			continue
		}
		if !found || info.High.After(result) {
			result = info.High
			found = true
		}
	}
	return result, found
}

// ShouldEmit decides whether a log event still has to be forwarded. Below the
// table's highest HIGH only events past the HIGH of the chunk owning the key
// were not already merged into a snapshot split's output.
func (s *StreamSplit) ShouldEmit(event *ChangeEvent) bool {
	maxHigh, found := s.MaxHigh(event.Table)
	if !found || event.Position.After(maxHigh) {
		return true
	}

	for _, info := range s.FinishedSplits {
		if info.Table == event.Table && info.Contains(event.Key) {
			return event.Position.After(info.High)
		}
	}

	// key outside of every finished chunk: nothing was reconciled for it
	return true
}

// Prune drops metadata that can no longer filter events at or after committed
func (s *StreamSplit) Prune(committed Position) int {
	kept := s.FinishedSplits[:0]
	for _, info := range s.FinishedSplits {
		if info.High.After(committed) {
			kept = append(kept, info)
		}
	}
	removed := len(s.FinishedSplits) - len(kept)
	s.FinishedSplits = kept
	return removed
}

func (s *StreamSplit) String() string {
	end := "none"
	if s.End != nil {
		end = s.End.String()
	}
	return fmt.Sprintf("stream split[%s] from %s to %s with %d finished splits", s.ID, s.Start, end, len(s.FinishedSplits))
}

func (s *StreamSplit) Clone() *StreamSplit {
	clone := *s
	clone.FinishedSplits = append([]FinishedSplitInfo(nil), s.FinishedSplits...)
	clone.Tables = append([]TableID(nil), s.Tables...)
	if s.End != nil {
		end := *s.End
		clone.End = &end
	}
	return &clone
}

func (s *SnapshotSplit) Clone() *SnapshotSplit {
	clone := *s
	if s.Low != nil {
		low := *s.Low
		clone.Low = &low
	}
	if s.High != nil {
		high := *s.High
		clone.High = &high
	}
	return &clone
}
