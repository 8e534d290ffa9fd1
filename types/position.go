package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is a point in a change log. MySQL positions carry the binlog file name
// and the offset inside it; PostgreSQL positions leave File empty and store the LSN
// in Offset.
type Position struct {
	File   string `json:"file,omitempty" msgpack:"file,omitempty"`
	Offset uint64 `json:"offset" msgpack:"offset"`
}

func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

// Compare returns -1, 0 or 1. Binlog files compare by their numeric sequence suffix
// (mysql-bin.000009 < mysql-bin.000010) and fall back to name order.
func (p Position) Compare(o Position) int {
	if p.File != o.File {
		ps, pok := fileSequence(p.File)
		qs, qok := fileSequence(o.File)
		switch {
		case pok && qok && ps != qs:
			return compareUint(ps, qs)
		case p.File < o.File:
			return -1
		case p.File > o.File:
			return 1
		}
	}

	return compareUint(p.Offset, o.Offset)
}

func (p Position) Before(o Position) bool {
	return p.Compare(o) < 0
}

func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

func (p Position) String() string {
	if p.File != "" {
		return fmt.Sprintf("%s:%d", p.File, p.Offset)
	}

	return fmt.Sprintf("%X/%X", uint32(p.Offset>>32), uint32(p.Offset))
}

// ParsePosition is the inverse of Position.String
func ParsePosition(value string) (Position, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Position{}, fmt.Errorf("empty position")
	}

	if idx := strings.LastIndex(value, ":"); idx > 0 {
		offset, err := strconv.ParseUint(value[idx+1:], 10, 64)
		if err != nil {
			return Position{}, fmt.Errorf("invalid binlog offset in position[%s]: %s", value, err)
		}
		return Position{File: value[:idx], Offset: offset}, nil
	}

	hi, lo, found := strings.Cut(value, "/")
	if !found {
		return Position{}, fmt.Errorf("unrecognized position format[%s]", value)
	}
	upper, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid lsn position[%s]: %s", value, err)
	}
	lower, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid lsn position[%s]: %s", value, err)
	}

	return Position{Offset: upper<<32 | lower}, nil
}

func MinPosition(first Position, rest ...Position) Position {
	result := first
	for _, p := range rest {
		if p.Before(result) {
			result = p
		}
	}
	return result
}

func MaxPosition(first Position, rest ...Position) Position {
	result := first
	for _, p := range rest {
		if p.After(result) {
			result = p
		}
	}
	return result
}

func fileSequence(file string) (uint64, bool) {
	idx := strings.LastIndex(file, ".")
	if idx < 0 || idx == len(file)-1 {
		return 0, false
	}
	seq, err := strconv.ParseUint(file[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func compareUint(a, b uint64) int {
	if a < b {
		return -1
	} else if a > b {
		return 1
	}
	return 0
}
