package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/pkg/waljs"
	"github.com/datazip-inc/tidemark/protocol"
	"github.com/datazip-inc/tidemark/types"
	"github.com/datazip-inc/tidemark/utils"
	"github.com/jmoiron/sqlx"

	// Postgres driver
	_ "github.com/lib/pq"
)

const (
	discoverTime = 5 * time.Minute
)

type Postgres struct {
	*base.Driver
	client *sqlx.DB
	config *Config // postgres driver connection config
	wal    *waljs.Source
	filter *waljs.ChangeFilter
}

func (p *Postgres) Setup(ctx context.Context) error {
	err := p.config.Validate()
	if err != nil {
		return fmt.Errorf("failed to validate config: %s", err)
	}

	sqlxDB, err := sqlx.Open("postgres", p.config.Connection.String())
	if err != nil {
		return fmt.Errorf("failed to connect database: %s", err)
	}
	sqlxDB.SetMaxOpenConns(p.config.ConnectionPoolSize)
	sqlxDB.SetMaxIdleConns(p.config.MaxThreads)

	pgClient := sqlxDB.Unsafe()
	// force a connection and test that it worked
	err = base.Connect(ctx, p.config.ConnectMaxRetries, p.config.ConnectTimeoutDuration(), pgClient.PingContext)
	if err != nil {
		_ = pgClient.Close()
		return fmt.Errorf("failed to ping database: %s", err)
	}

	p.client = pgClient
	p.SetupSchemas(p, p.config.ChunkKeyColumns)
	p.wal = waljs.NewSource(pgClient, &waljs.Config{
		Connection:          *p.config.Connection,
		ReplicationSlotName: p.config.ReplicationSlot,
	}, p.config.SSLMode != "disable")
	p.filter = waljs.NewChangeFilter(p.Schemas())
	return nil
}

// Check verifies the connection and the replication slot
func (p *Postgres) Check(ctx context.Context) error {
	if err := p.Setup(ctx); err != nil {
		return err
	}

	slot, confirmed, err := p.wal.Slot(ctx)
	if err != nil {
		return err
	}
	if slot.Plugin != "wal2json" {
		return fmt.Errorf("replication slot[%s] uses plugin[%s], wal2json is required", p.config.ReplicationSlot, slot.Plugin)
	}
	logger.Infof("replication slot[%s] confirmed up to %s", p.config.ReplicationSlot, confirmed)
	return nil
}

func (p *Postgres) GetConfigRef() protocol.Config {
	p.config = &Config{}

	return p.config
}

func (p *Postgres) Type() string {
	return "Postgres"
}

// JobConfig returns the snapshot, queue and stream settings of the job
func (p *Postgres) JobConfig() *base.Config {
	return &p.config.Config
}

func (p *Postgres) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func (p *Postgres) Discover(ctx context.Context) ([]*types.TableSchema, error) {
	// if not cached already; discover
	tables := p.Discovered()
	if len(tables) != 0 {
		return tables, nil
	}

	logger.Infof("Starting discover for Postgres database %s", p.config.Database)

	discoverCtx, cancel := context.WithTimeout(ctx, discoverTime)
	defer cancel()

	var tableNamesOutput []base.Table
	err := p.client.SelectContext(discoverCtx, &tableNamesOutput, jdbc.PostgresDiscoverTablesQuery())
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve table names: %s", err)
	}

	if len(tableNamesOutput) == 0 {
		logger.Warnf("no tables found")
		return tables, nil
	}

	err = utils.Concurrent(discoverCtx, tableNamesOutput, p.config.MaxThreads, func(ctx context.Context, pgTable base.Table, _ int) error {
		schema, err := p.Schema(ctx, types.TableID{Namespace: pgTable.Schema, Name: pgTable.Name})
		if err != nil {
			return fmt.Errorf("failed to process table[%s.%s]: %s", pgTable.Schema, pgTable.Name, err)
		}
		p.AddDiscovered(schema)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p.Discovered(), nil
}

// SelectTables resolves the configured table patterns against the discovered tables
func (p *Postgres) SelectTables(ctx context.Context) ([]types.TableID, error) {
	return p.Driver.SelectTables(ctx, &p.config.Config, p.Discover)
}

func (p *Postgres) Schema(ctx context.Context, table types.TableID) (*types.TableSchema, error) {
	var columns []base.ColumnDetails
	if err := p.client.SelectContext(ctx, &columns, jdbc.PostgresTableSchemaQuery(), table.Namespace, table.Name); err != nil {
		return nil, fmt.Errorf("%w: failed to retrieve column details for table %s: %s", types.ErrTransient, table, err)
	}

	schema, err := base.NewTableSchema(table, columns, dataType)
	if err != nil {
		return nil, err
	}
	return p.WithChunkKey(schema)
}
