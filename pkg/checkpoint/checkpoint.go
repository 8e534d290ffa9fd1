// Package checkpoint persists split state between runs.
package checkpoint

import (
	"context"
	"fmt"
	"strings"

	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/typeutils"
)

type StoreType string

const (
	FileStoreType   StoreType = "file"
	PebbleStoreType StoreType = "pebble"
)

type Config struct {
	Type StoreType `json:"type" validate:"omitempty,oneof=file pebble"`
	Path string    `json:"path"`
}

// Store loads and saves the persisted split state of one job
type Store interface {
	// Load returns nil without error when nothing was checkpointed yet
	Load(ctx context.Context) (*types.PersistedState, error)
	Save(ctx context.Context, state *types.PersistedState) error
	Close() error
}

// New opens the store selected by config; defaults to a state file
func New(config Config, jobID string) (Store, error) {
	switch StoreType(strings.ToLower(string(config.Type))) {
	case PebbleStoreType:
		return NewPebbleStore(config.Path, jobID)
	case FileStoreType, "":
		return NewFileStore(config.Path), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint store type[%s]", config.Type)
	}
}

// Checkpointer adapts a Store to types.Checkpointer
type Checkpointer struct {
	ctx   context.Context
	store Store
}

func NewCheckpointer(ctx context.Context, store Store) *Checkpointer {
	return &Checkpointer{ctx: ctx, store: store}
}

func (c *Checkpointer) Checkpoint(state *types.PersistedState) error {
	return c.store.Save(c.ctx, state)
}

// LoadState restores state from store, or returns a fresh state
func LoadState(ctx context.Context, store Store) (*types.State, error) {
	persisted, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if persisted == nil {
		return types.NewState(), nil
	}

	if err := normalizeBounds(persisted); err != nil {
		return nil, err
	}

	return persisted.Restore()
}

// normalizeBounds gives chunk bounds back the Go type of their key column
func normalizeBounds(persisted *types.PersistedState) error {
	normalize := func(dataType types.DataType, min, max *any) error {
		var err error
		if *min, err = typeutils.NormalizeBound(dataType, *min); err != nil {
			return fmt.Errorf("failed to normalize lower bound: %s", err)
		}
		if *max, err = typeutils.NormalizeBound(dataType, *max); err != nil {
			return fmt.Errorf("failed to normalize upper bound: %s", err)
		}
		return nil
	}

	for _, envelope := range persisted.Splits {
		switch {
		case envelope.Snapshot != nil:
			split := envelope.Snapshot
			if split.Schema == nil {
				return fmt.Errorf("snapshot split[%s] persisted without schema", split.ID)
			}
			column, err := split.Schema.KeyColumn()
			if err != nil {
				return err
			}
			if err := normalize(column.Type, &split.Chunk.Min, &split.Chunk.Max); err != nil {
				return fmt.Errorf("split[%s]: %s", split.ID, err)
			}
		case envelope.Stream != nil:
			for idx := range envelope.Stream.FinishedSplits {
				info := &envelope.Stream.FinishedSplits[idx]
				if info.KeyType == "" {
					continue
				}
				if err := normalize(info.KeyType, &info.Min, &info.Max); err != nil {
					return fmt.Errorf("finished split[%s]: %s", info.SplitID, err)
				}
			}
		}
	}
	return nil
}
