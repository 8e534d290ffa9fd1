package types

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/datazip-inc/tidemark/logger"
)

// Checkpointer persists state snapshots
type Checkpointer interface {
	Checkpoint(state *PersistedState) error
}

// State is the split plan of one capture job and its progress
type State struct {
	*sync.RWMutex
	splits       []Split
	markers      []FinishedSplitInfo
	plannedAt    *Position
	checkpointer Checkpointer
}

func NewState() *State {
	return &State{RWMutex: &sync.RWMutex{}}
}

func (s *State) SetCheckpointer(checkpointer Checkpointer) {
	s.Lock()
	defer s.Unlock()
	s.checkpointer = checkpointer
}

func (s *State) IsPlanned() bool {
	s.RLock()
	defer s.RUnlock()
	return s.plannedAt != nil
}

// PlannedAt is the log position sampled before the tables were split
func (s *State) PlannedAt() (Position, bool) {
	s.RLock()
	defer s.RUnlock()
	if s.plannedAt == nil {
		return Position{}, false
	}
	return *s.plannedAt, true
}

// SetPlan records the snapshot splits of all tables. Tables without rows are
// recorded as markers holding the planning position as both watermarks.
func (s *State) SetPlan(splits []*SnapshotSplit, emptyTables []TableID, plannedAt Position) {
	s.Lock()
	defer s.Unlock()

	sort.SliceStable(splits, func(i, j int) bool {
		if splits[i].Table() != splits[j].Table() {
			return splits[i].Table().ID() < splits[j].Table().ID()
		}
		return splits[i].Chunk.Index < splits[j].Chunk.Index
	})

	s.splits = make([]Split, 0, len(splits))
	for _, split := range splits {
		s.splits = append(s.splits, split)
	}
	s.markers = make([]FinishedSplitInfo, 0, len(emptyTables))
	for _, table := range emptyTables {
		s.markers = append(s.markers, FinishedSplitInfo{
			SplitID: ChunkID(table, 0),
			Table:   table,
			Low:     plannedAt,
			High:    plannedAt,
		})
	}
	s.plannedAt = &plannedAt
	s.logState()
}

// SnapshotSplits returns copies of the snapshot splits in plan order
func (s *State) SnapshotSplits() []*SnapshotSplit {
	s.RLock()
	defer s.RUnlock()
	result := []*SnapshotSplit{}
	for _, split := range s.splits {
		if snapshot, ok := split.(*SnapshotSplit); ok {
			result = append(result, snapshot.Clone())
		}
	}
	return result
}

func (s *State) PendingSnapshotSplits() []*SnapshotSplit {
	pending := []*SnapshotSplit{}
	for _, split := range s.SnapshotSplits() {
		if !split.Finished {
			pending = append(pending, split)
		}
	}
	return pending
}

// FinishSnapshotSplit stores the watermarks of a reconciled chunk
func (s *State) FinishSnapshotSplit(splitID string, low, high Position) error {
	s.Lock()
	defer s.Unlock()

	for _, split := range s.splits {
		snapshot, ok := split.(*SnapshotSplit)
		if !ok || snapshot.ID != splitID {
			continue
		}
		if high.Before(low) {
			return fmt.Errorf("%w: split[%s] HIGH %s is before LOW %s", ErrWatermarkViolation, splitID, high, low)
		}
		snapshot.Finish(low, high)
		s.logState()
		return nil
	}

	return fmt.Errorf("split[%s] not found in state", splitID)
}

// FinishedSplitInfos returns watermark metadata of all finished snapshot splits and empty table markers
func (s *State) FinishedSplitInfos() []FinishedSplitInfo {
	s.RLock()
	defer s.RUnlock()
	infos := append([]FinishedSplitInfo(nil), s.markers...)
	for _, split := range s.splits {
		if snapshot, ok := split.(*SnapshotSplit); ok && snapshot.Finished {
			infos = append(infos, snapshot.Info())
		}
	}
	return infos
}

func (s *State) StreamSplit() *StreamSplit {
	s.RLock()
	defer s.RUnlock()
	for _, split := range s.splits {
		if stream, ok := split.(*StreamSplit); ok {
			return stream.Clone()
		}
	}
	return nil
}

// SetStreamSplit replaces the finished snapshot splits with the stream split that now
// carries their watermark metadata.
func (s *State) SetStreamSplit(stream *StreamSplit) {
	s.Lock()
	defer s.Unlock()

	kept := []Split{}
	for _, split := range s.splits {
		switch split := split.(type) {
		case *SnapshotSplit:
			if !split.Finished {
				kept = append(kept, split)
			}
		case *StreamSplit:
			// replaced below
		}
	}
	s.splits = append(kept, stream.Clone())
	s.markers = nil
	s.logState()
}

// CommitStreamPosition moves the stream split start to a position whose events were delivered
func (s *State) CommitStreamPosition(position Position) {
	s.Lock()
	defer s.Unlock()

	for _, split := range s.splits {
		stream, ok := split.(*StreamSplit)
		if !ok || !position.After(stream.Start) {
			continue
		}
		stream.Start = position
		if removed := stream.Prune(position); removed > 0 {
			logger.Debugf("pruned %d finished splits at or before %s", removed, position)
		}
		s.logState()
	}
}

func (s *State) LogState() {
	s.RLock()
	defer s.RUnlock()
	s.logState()
}

func (s *State) logState() {
	if s.checkpointer == nil {
		return
	}
	if err := s.checkpointer.Checkpoint(s.persisted()); err != nil {
		logger.Errorf("failed to checkpoint state: %s", err)
	}
}

// Persisted returns the serializable form of the state
func (s *State) Persisted() *PersistedState {
	s.RLock()
	defer s.RUnlock()
	return s.persisted()
}

func (s *State) persisted() *PersistedState {
	persisted := &PersistedState{
		Markers:   append([]FinishedSplitInfo(nil), s.markers...),
		UpdatedAt: time.Now().UTC(),
	}
	if s.plannedAt != nil {
		plannedAt := *s.plannedAt
		persisted.PlannedAt = &plannedAt
	}
	for _, split := range s.splits {
		switch split := split.(type) {
		case *SnapshotSplit:
			persisted.Splits = append(persisted.Splits, SplitEnvelope{Kind: SnapshotSplitKind, Snapshot: split.Clone()})
		case *StreamSplit:
			persisted.Splits = append(persisted.Splits, SplitEnvelope{Kind: StreamSplitKind, Stream: split.Clone()})
		}
	}
	return persisted
}

// SplitEnvelope tags a persisted split with its variant
type SplitEnvelope struct {
	Kind     SplitKind      `json:"kind" msgpack:"kind"`
	Snapshot *SnapshotSplit `json:"snapshot,omitempty" msgpack:"snapshot,omitempty"`
	Stream   *StreamSplit   `json:"stream,omitempty" msgpack:"stream,omitempty"`
}

func (e SplitEnvelope) Split() (Split, error) {
	switch e.Kind {
	case SnapshotSplitKind:
		if e.Snapshot == nil {
			return nil, fmt.Errorf("snapshot split envelope without payload")
		}
		return e.Snapshot, nil
	case StreamSplitKind:
		if e.Stream == nil {
			return nil, fmt.Errorf("stream split envelope without payload")
		}
		return e.Stream, nil
	default:
		return nil, fmt.Errorf("unknown split kind[%s]", e.Kind)
	}
}

// PersistedState is the checkpoint format: the ordered split list with
// per chunk bounds, watermarks and completion, plus the stream split range.
type PersistedState struct {
	Splits    []SplitEnvelope     `json:"splits" msgpack:"splits"`
	Markers   []FinishedSplitInfo `json:"markers,omitempty" msgpack:"markers,omitempty"`
	PlannedAt *Position           `json:"planned_at,omitempty" msgpack:"planned_at,omitempty"`
	UpdatedAt time.Time           `json:"updated_at" msgpack:"updated_at"`
}

// Restore rebuilds a State from its persisted form
func (p *PersistedState) Restore() (*State, error) {
	state := NewState()
	for _, envelope := range p.Splits {
		split, err := envelope.Split()
		if err != nil {
			return nil, err
		}
		state.splits = append(state.splits, split)
	}
	state.markers = append(state.markers, p.Markers...)
	if p.PlannedAt != nil {
		plannedAt := *p.PlannedAt
		state.plannedAt = &plannedAt
	}
	return state, nil
}
