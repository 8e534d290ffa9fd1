// Package schema keeps the table schemas of one capture job.
package schema

import (
	"context"
	"fmt"
	"sort"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Provider reads the schema of a table from the database
type Provider interface {
	Schema(ctx context.Context, table types.TableID) (*types.TableSchema, error)
}

// Store caches table schemas for the lifetime of one job. Schemas are
// immutable once loaded: readers share them and must not modify them.
type Store struct {
	provider Provider
	schemas  *xsync.MapOf[string, *types.TableSchema]
}

func NewStore(provider Provider) *Store {
	return &Store{
		provider: provider,
		schemas:  xsync.NewMapOf[string, *types.TableSchema](),
	}
}

// Init loads the schema of every table; an unknown table is a planning error
func (s *Store) Init(ctx context.Context, tables []types.TableID) error {
	for _, table := range tables {
		if _, err := s.Get(ctx, table); err != nil {
			return fmt.Errorf("%w: %s", types.ErrPlanning, err)
		}
	}
	logger.Infof("schema store initialized with %d tables", s.schemas.Size())
	return nil
}

// Get returns the cached schema or loads it from the provider
func (s *Store) Get(ctx context.Context, table types.TableID) (*types.TableSchema, error) {
	if schema, found := s.schemas.Load(table.ID()); found {
		return schema, nil
	}

	loaded, err := s.provider.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema of table[%s]: %w", table, err)
	}
	schema, _ := s.schemas.LoadOrStore(table.ID(), loaded)
	return schema, nil
}

// Lookup returns a cached schema without asking the provider. Log decoders use
// it to skip tables the job does not capture.
func (s *Store) Lookup(table types.TableID) (*types.TableSchema, bool) {
	return s.schemas.Load(table.ID())
}

// Register adds a schema restored from a checkpoint without asking the provider
func (s *Store) Register(schema *types.TableSchema) {
	s.schemas.Store(schema.ID(), schema)
}

func (s *Store) Tables() []types.TableID {
	tables := make([]types.TableID, 0, s.schemas.Size())
	s.schemas.Range(func(_ string, schema *types.TableSchema) bool {
		tables = append(tables, schema.Table)
		return true
	})
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() < tables[j].ID() })
	return tables
}

// Close drops every cached schema
func (s *Store) Close() {
	s.schemas.Clear()
}
