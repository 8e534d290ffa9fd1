package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/binlog"
	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/protocol"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/jmoiron/sqlx"

	// MySQL driver
	_ "github.com/go-sql-driver/mysql"
)

const (
	discoverTime = 5 * time.Minute // maximum time allowed to discover all the tables
)

// MySQL represents the MySQL database driver
type MySQL struct {
	*base.Driver
	config *Config
	client *sqlx.DB
	binlog *binlog.Source
	filter *binlog.ChangeFilter
}

// GetConfigRef returns a reference to the configuration
func (m *MySQL) GetConfigRef() protocol.Config {
	m.config = &Config{}
	return m.config
}

// Setup establishes the database connection
func (m *MySQL) Setup(ctx context.Context) error {
	err := m.config.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}

	client, err := sqlx.Open("mysql", m.config.URI())
	if err != nil {
		return fmt.Errorf("failed to open database connection: %s", err)
	}
	client.SetMaxOpenConns(m.config.ConnectionPoolSize)
	client.SetMaxIdleConns(m.config.MaxThreads)

	err = base.Connect(ctx, m.config.ConnectMaxRetries, m.config.ConnectTimeoutDuration(), client.PingContext)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to ping database: %s", err)
	}

	m.client = client
	m.SetupSchemas(m, m.config.ChunkKeyColumns)
	m.binlog = binlog.NewSource(m.binlogConfig(), m.currentBinlogPosition)
	m.filter = binlog.NewChangeFilter(m.Schemas())
	return nil
}

// Check verifies the connection and the binlog settings row based capture needs
func (m *MySQL) Check(ctx context.Context) error {
	if err := m.Setup(ctx); err != nil {
		return err
	}
	return m.checkBinlog(ctx)
}

// Type returns the database type
func (m *MySQL) Type() string {
	return "MySQL"
}

// JobConfig returns the snapshot, queue and stream settings of the job
func (m *MySQL) JobConfig() *base.Config {
	return &m.config.Config
}

// Discover finds and catalogs database tables
func (m *MySQL) Discover(ctx context.Context) ([]*types.TableSchema, error) {
	tables := m.Discovered()
	if len(tables) != 0 {
		return tables, nil
	}

	logger.Infof("Starting discover for MySQL database %s", m.config.Database)
	discoverCtx, cancel := context.WithTimeout(ctx, discoverTime)
	defer cancel()

	var found []base.Table
	if err := m.client.SelectContext(discoverCtx, &found, jdbc.MySQLDiscoverTablesQuery(), m.config.Database); err != nil {
		return nil, fmt.Errorf("failed to query tables: %s", err)
	}
	if len(found) == 0 {
		logger.Warnf("no tables found")
		return tables, nil
	}

	err := utils.Concurrent(discoverCtx, found, m.config.MaxThreads, func(ctx context.Context, table base.Table, _ int) error {
		schema, err := m.Schema(ctx, types.TableID{Namespace: table.Schema, Name: table.Name})
		if err != nil {
			return fmt.Errorf("failed to process table[%s.%s]: %s", table.Schema, table.Name, err)
		}
		m.AddDiscovered(schema)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m.Discovered(), nil
}

// SelectTables resolves the configured table patterns against the discovered tables
func (m *MySQL) SelectTables(ctx context.Context) ([]types.TableID, error) {
	return m.Driver.SelectTables(ctx, &m.config.Config, m.Discover)
}

// Schema reads the columns and primary key of a table
func (m *MySQL) Schema(ctx context.Context, table types.TableID) (*types.TableSchema, error) {
	logger.Debugf("producing schema for table [%s]", table)

	var columns []base.ColumnDetails
	if err := m.client.SelectContext(ctx, &columns, jdbc.MySQLTableSchemaQuery(), table.Namespace, table.Name); err != nil {
		return nil, fmt.Errorf("%w: failed to query column information: %s", types.ErrTransient, err)
	}

	schema, err := base.NewTableSchema(table, columns, dataType)
	if err != nil {
		return nil, err
	}
	return m.WithChunkKey(schema)
}

// Close ensures proper cleanup
func (m *MySQL) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
