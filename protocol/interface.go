package protocol

import (
	"context"

	"github.com/datazip-inc/tidemark/drivers/base"
	"github.com/datazip-inc/tidemark/pkg/engine"
	"github.com/datazip-inc/tidemark/pkg/schema"
	"github.com/datazip-inc/tidemark/types"
)

type Config interface {
	Validate() error
}

type Connector interface {
	// Setting up config reference in driver i.e. must be pointer
	GetConfigRef() Config
	// Check sets up connections and verifies permissions and settings
	Check(ctx context.Context) error
	Type() string
}

type Driver interface {
	Connector
	engine.Source
	schema.Provider
	// Sets up client, doesn't performs any Checks
	Setup(ctx context.Context) error
	// Discover discovers the tables; Returns cached if already discovered
	Discover(ctx context.Context) ([]*types.TableSchema, error)
	// SelectTables returns the discovered tables matching the configured patterns
	SelectTables(ctx context.Context) ([]types.TableID, error)
	// Schemas is the schema store shared by the engine and the log decoder
	Schemas() *schema.Store
	JobConfig() *base.Config
	Close() error
}

// Acknowledger is implemented by drivers whose log source must be told how
// far the consumer committed, e.g. replication slots
type Acknowledger interface {
	Acknowledge(position types.Position)
}

// SchemaStore resolves the schema of captured tables
type SchemaStore interface {
	Lookup(table types.TableID) (*types.TableSchema, bool)
}

// Writer stores row events. Events passed to Write are durable once Flush returns;
// the pool commits them to the engine only after that.
type Writer interface {
	Connector
	Setup(ctx context.Context, schemas SchemaStore) error
	Write(ctx context.Context, events []*types.ChangeEvent) error
	Flush(ctx context.Context) error
	Close() error
}
