package base

import (
	"context"
	"fmt"
	"strings"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/schema"
	"github.com/datazip-inc/tidemark/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Driver holds what every relational driver shares: the schema store of the
// running job and the tables found by Discover.
type Driver struct {
	schemas    *schema.Store
	discovered *xsync.MapOf[string, *types.TableSchema]
	chunkKeys  map[string]string
}

func NewBase() *Driver {
	return &Driver{
		discovered: xsync.NewMapOf[string, *types.TableSchema](),
		chunkKeys:  map[string]string{},
	}
}

// SetupSchemas creates the schema store backed by provider. chunkKeys maps
// "namespace.table" to a chunk key column override.
func (d *Driver) SetupSchemas(provider schema.Provider, chunkKeys map[string]string) {
	d.schemas = schema.NewStore(provider)
	if chunkKeys != nil {
		d.chunkKeys = chunkKeys
	}
}

// Schemas returns the store the engine and the log decoder share
func (d *Driver) Schemas() *schema.Store {
	return d.schemas
}

// WithChunkKey applies the configured chunk key override of the table
func (d *Driver) WithChunkKey(table *types.TableSchema) (*types.TableSchema, error) {
	column, found := d.chunkKeys[table.ID()]
	if !found {
		return table, nil
	}
	if _, exists := table.Column(column); !exists {
		return nil, fmt.Errorf("%w: chunk_key_column[%s] not found in table[%s]", types.ErrPlanning, column, table.ID())
	}
	table.ChunkKey = column
	return table, nil
}

// Discovered returns the cached tables of the last Discover
func (d *Driver) Discovered() []*types.TableSchema {
	tables := []*types.TableSchema{}
	d.discovered.Range(func(_ string, table *types.TableSchema) bool {
		tables = append(tables, table)
		return true
	})
	return tables
}

func (d *Driver) AddDiscovered(table *types.TableSchema) {
	d.discovered.Store(table.ID(), table)
}

// SelectTables returns the discovered tables matching the include and exclude patterns
func (d *Driver) SelectTables(ctx context.Context, config *Config, discover func(ctx context.Context) ([]*types.TableSchema, error)) ([]types.TableID, error) {
	filter, err := schema.NewFilter(config.Tables, config.ExcludeTables)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrPlanning, err)
	}
	discovered, err := discover(ctx)
	if err != nil {
		return nil, err
	}

	tables := types.NewSet[types.TableID]()
	for _, table := range discovered {
		tables.Insert(table.Table)
	}

	named := types.NewSet[types.TableID]()
	for _, pattern := range config.Tables {
		if !strings.ContainsAny(pattern, "*?[{") {
			named.Insert(types.ParseTableID(pattern))
		}
	}
	if missing := named.Difference(tables); missing.Len() > 0 {
		logger.Warnf("configured tables %s not found in source", missing)
	}

	return filter.Select(tables.Array()), nil
}

type Table struct {
	Schema string `db:"table_schema"`
	Name   string `db:"table_name"`
}

// ColumnDetails is one row of a table schema query
type ColumnDetails struct {
	Name        string `db:"column_name"`
	DataType    string `db:"data_type"`
	IsNullable  string `db:"is_nullable"`
	KeyPosition int    `db:"key_position"`
}

// NewTableSchema builds the schema of table; key columns are ordered by their key position
func NewTableSchema(table types.TableID, columns []ColumnDetails, dataType func(databaseType string) types.DataType) (*types.TableSchema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table[%s] not found", table)
	}

	schema := &types.TableSchema{Table: table}
	keys := map[int]string{}
	for _, column := range columns {
		schema.Columns = append(schema.Columns, types.Column{
			Name:     column.Name,
			Type:     dataType(column.DataType),
			Nullable: strings.EqualFold("yes", column.IsNullable),
		})
		if column.KeyPosition > 0 {
			keys[column.KeyPosition] = column.Name
		}
	}
	for position := 1; position <= len(keys); position++ {
		name, found := keys[position]
		if !found {
			return nil, fmt.Errorf("primary key of table[%s] misses position %d", table, position)
		}
		schema.PrimaryKey = append(schema.PrimaryKey, name)
	}
	return schema, nil
}
