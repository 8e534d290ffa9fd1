package types

import (
	"fmt"
	"strings"
)

type WatermarkKind string

const (
	// LowWatermark is the log position sampled right before a chunk is queried
	LowWatermark WatermarkKind = "LOW"
	// HighWatermark is the log position sampled right after a chunk query completed
	HighWatermark WatermarkKind = "HIGH"
	// EndWatermark ends a stream split for good
	EndWatermark WatermarkKind = "END"
)

// WatermarkKindFromString maps unknown values to END
func WatermarkKindFromString(value string) WatermarkKind {
	switch WatermarkKind(strings.ToUpper(strings.TrimSpace(value))) {
	case LowWatermark:
		return LowWatermark
	case HighWatermark:
		return HighWatermark
	default:
		return EndWatermark
	}
}

type WatermarkEvent struct {
	Kind     WatermarkKind `json:"kind" msgpack:"kind"`
	SplitID  string        `json:"split_id" msgpack:"split_id"`
	Position Position      `json:"position" msgpack:"position"`
}

func (w WatermarkEvent) String() string {
	return fmt.Sprintf("%s[%s]@%s", w.Kind, w.SplitID, w.Position)
}
