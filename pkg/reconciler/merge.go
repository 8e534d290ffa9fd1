package reconciler

import (
	"sort"

	"github.com/datazip-inc/tidemark/types"
)

// Merge resolves a chunk's snapshot rows against the log events buffered in its
// window. The snapshot is treated as taken at LOW: rows whose row id the buffer
// touches are dropped in favour of the buffered events, which follow the
// remaining READ rows in position order. It returns the output and the number
// of suppressed snapshot rows.
func Merge(split *types.SnapshotSplit, rows, buffered []*types.ChangeEvent) ([]*types.ChangeEvent, int) {
	sort.SliceStable(buffered, func(i, j int) bool {
		return buffered[i].Position.Before(buffered[j].Position)
	})

	touched := make(map[string]struct{}, len(buffered))
	for _, event := range buffered {
		touched[event.RowID] = struct{}{}
		// an update that changed the key also replaces the row it came from
		if event.Before != nil && split.Schema != nil {
			touched[split.Schema.RowID(event.Before)] = struct{}{}
		}
	}

	output := make([]*types.ChangeEvent, 0, len(rows)+len(buffered))
	suppressed := 0
	for _, row := range rows {
		if _, found := touched[row.RowID]; found {
			suppressed++
			continue
		}
		output = append(output, row)
	}

	for _, event := range buffered {
		clone := *event
		clone.SplitID = split.ID
		output = append(output, &clone)
	}

	return output, suppressed
}
