package types

import "sync"

// OffsetContext is the last processed position of one split. The owning reader
// advances it and checkpointing reads it.
type OffsetContext struct {
	mu       sync.RWMutex
	splitID  string
	position Position
	events   int64
}

func NewOffsetContext(splitID string, start Position) *OffsetContext {
	return &OffsetContext{splitID: splitID, position: start}
}

func (o *OffsetContext) SplitID() string {
	return o.splitID
}

// Advance moves the offset forward; positions behind the current one are ignored
func (o *OffsetContext) Advance(position Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if position.After(o.position) {
		o.position = position
	}
	o.events++
}

func (o *OffsetContext) Position() Position {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.position
}

func (o *OffsetContext) Events() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.events
}
