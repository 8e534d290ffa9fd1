package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/datazip-inc/tidemark/types"
	"github.com/goccy/go-json"
)

// FileStore keeps the state as JSON in a single file, replaced atomically on save
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(_ context.Context) (*types.PersistedState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) || (err == nil && len(bytes.TrimSpace(data)) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file[%s]: %s", f.path, err)
	}

	// numbers stay json.Number so that int64 bounds survive the round trip
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	state := &types.PersistedState{}
	if err := decoder.Decode(state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file[%s]: %s", f.path, err)
	}

	return state, nil
}

func (f *FileStore) Save(_ context.Context, state *types.PersistedState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %s", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state folder: %s", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %s", err)
	}

	return os.Rename(tmp, f.path)
}

func (f *FileStore) Close() error {
	return nil
}
