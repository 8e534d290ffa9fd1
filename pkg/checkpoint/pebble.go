package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/datazip-inc/tidemark/pkg/encoding"
	"github.com/datazip-inc/tidemark/types"
)

const prefixState = "/checkpoint/"

// PebbleStore keeps msgpack encoded state in a pebble database, one key per job
type PebbleStore struct {
	db     *pebble.DB
	key    []byte
	closed atomic.Bool
}

func NewPebbleStore(dataDir, jobID string) (*PebbleStore, error) {
	path := filepath.Join(dataDir, "checkpoints")
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", path, err)
	}

	return &PebbleStore{
		db:  db,
		key: []byte(prefixState + jobID),
	}, nil
}

func (p *PebbleStore) Load(_ context.Context) (*types.PersistedState, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("checkpoint store is closed")
	}

	val, closer, err := p.db.Get(p.key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	defer closer.Close()

	state := &types.PersistedState{}
	if err := encoding.Unmarshal(val, state); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	return state, nil
}

func (p *PebbleStore) Save(_ context.Context, state *types.PersistedState) error {
	if p.closed.Load() {
		return fmt.Errorf("checkpoint store is closed")
	}

	val, err := encoding.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	if err := p.db.Set(p.key, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (p *PebbleStore) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}
