package base

import (
	"context"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/constants"
	"github.com/datazip-inc/tidemark/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	config := Config{ChunkSize: 100, PollInterval: 50}
	config.SetDefaults()

	assert.Equal(t, 100, config.ChunkSize)
	assert.Equal(t, constants.DefaultFetchSize, config.FetchSize)
	assert.Equal(t, DefaultThreadCount, config.MaxThreads)
	assert.Equal(t, DefaultRetryCount, config.RetryCount)
	assert.Equal(t, constants.DefaultMaxQueueSize, config.MaxQueueSize)
	assert.Equal(t, constants.DefaultConnectTimeout, config.ConnectTimeoutDuration())
	assert.Zero(t, config.IdleTimeout())
}

func TestEngineConfig(t *testing.T) {
	testCases := []struct {
		name        string
		end         string
		expectedEnd *types.Position
		expectError bool
	}{
		{name: "no end position"},
		{name: "binlog end position", end: "mysql-bin.000004:1200", expectedEnd: &types.Position{File: "mysql-bin.000004", Offset: 1200}},
		{name: "lsn end position", end: "16/B374D848", expectedEnd: &types.Position{Offset: 0x16B374D848}},
		{name: "malformed end position", end: "mysql-bin:abc", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := Config{EndPosition: tc.end, InitialWaitTime: 5}
			config.SetDefaults()

			engineConfig, err := config.EngineConfig()
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectedEnd, engineConfig.EndPosition)
			assert.Equal(t, config.ChunkSize, engineConfig.Splitter.ChunkSize)
			assert.Equal(t, 500*time.Millisecond, engineConfig.Queue.PollInterval)
			assert.Equal(t, 5*time.Second, config.IdleTimeout())
		})
	}
}

func TestNewTableSchema(t *testing.T) {
	table := types.TableID{Namespace: "shop", Name: "order_lines"}
	columns := []ColumnDetails{
		{Name: "line", DataType: "int", IsNullable: "NO", KeyPosition: 2},
		{Name: "order_id", DataType: "bigint", IsNullable: "NO", KeyPosition: 1},
		{Name: "note", DataType: "text", IsNullable: "YES"},
	}
	dataType := func(databaseType string) types.DataType {
		if databaseType == "text" {
			return types.String
		}
		return types.Int64
	}

	schema, err := NewTableSchema(table, columns, dataType)
	require.NoError(t, err)
	assert.Equal(t, []string{"order_id", "line"}, schema.PrimaryKey)
	assert.Equal(t, types.Column{Name: "note", Type: types.String, Nullable: true}, schema.Columns[2])

	_, err = NewTableSchema(table, nil, dataType)
	assert.Error(t, err)

	_, err = NewTableSchema(table, []ColumnDetails{{Name: "a", KeyPosition: 2}}, dataType)
	assert.Error(t, err)
}

func TestWithChunkKey(t *testing.T) {
	driver := NewBase()
	driver.SetupSchemas(nil, map[string]string{"shop.items": "sku"})

	items := &types.TableSchema{
		Table:      types.TableID{Namespace: "shop", Name: "items"},
		Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "sku", Type: types.String}},
		PrimaryKey: []string{"id"},
	}
	schema, err := driver.WithChunkKey(items)
	require.NoError(t, err)
	assert.Equal(t, "sku", schema.ChunkKey)

	driver.SetupSchemas(nil, map[string]string{"shop.items": "missing"})
	_, err = driver.WithChunkKey(items)
	assert.ErrorIs(t, err, types.ErrPlanning)
}

func TestSelectTables(t *testing.T) {
	discovered := []*types.TableSchema{
		{Table: types.TableID{Namespace: "shop", Name: "orders"}},
		{Table: types.TableID{Namespace: "shop", Name: "items"}},
		{Table: types.TableID{Namespace: "shop", Name: "items"}},
		{Table: types.TableID{Namespace: "audit", Name: "events"}},
	}
	discover := func(_ context.Context) ([]*types.TableSchema, error) {
		return discovered, nil
	}

	testCases := []struct {
		name     string
		config   Config
		expected []types.TableID
	}{
		{
			name: "everything without patterns",
			expected: []types.TableID{
				{Namespace: "audit", Name: "events"},
				{Namespace: "shop", Name: "items"},
				{Namespace: "shop", Name: "orders"},
			},
		},
		{
			name:   "include glob with exclusion",
			config: Config{Tables: []string{"shop.*"}, ExcludeTables: []string{"shop.items"}},
			expected: []types.TableID{
				{Namespace: "shop", Name: "orders"},
			},
		},
		{
			name:   "named table missing from source",
			config: Config{Tables: []string{"shop.orders", "shop.refunds"}},
			expected: []types.TableID{
				{Namespace: "shop", Name: "orders"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tables, err := NewBase().SelectTables(context.Background(), &tc.config, discover)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, tables)
		})
	}
}
