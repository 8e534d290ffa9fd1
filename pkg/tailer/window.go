package tailer

import (
	"sort"
	"sync"

	"github.com/datazip-inc/tidemark/types"
)

// Window buffers the log events of one chunk's key range while the chunk is read
type Window struct {
	split *types.SnapshotSplit
	key   string

	mu     sync.Mutex
	events []*types.ChangeEvent
}

func newWindow(split *types.SnapshotSplit) *Window {
	window := &Window{split: split}
	if split.Schema != nil {
		if column, err := split.Schema.KeyColumn(); err == nil {
			window.key = column.Name
		}
	}
	return window
}

func (w *Window) SplitID() string {
	return w.split.ID
}

// matches also accepts updates that moved a row out of the chunk's range
func (w *Window) matches(event *types.ChangeEvent) bool {
	if event.Table != w.split.Table() {
		return false
	}
	if w.split.Chunk.Contains(event.Key) {
		return true
	}
	if w.key == "" || event.Before == nil {
		return false
	}
	previous, found := event.Before[w.key]
	return found && w.split.Chunk.Contains(previous)
}

func (w *Window) add(event *types.ChangeEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
}

// Events returns the buffered events with low < position <= high in position order
func (w *Window) Events(low, high types.Position) []*types.ChangeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := []*types.ChangeEvent{}
	for _, event := range w.events {
		if event.Position.After(low) && !event.Position.After(high) {
			result = append(result, event)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Position.Before(result[j].Position)
	})
	return result
}

func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}
