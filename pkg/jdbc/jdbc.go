package jdbc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/types"
)

// Dialect holds the identifier quoting and bind parameter style of a database
type Dialect struct {
	Name        string
	quote       string
	placeholder func(n int) string
}

var (
	MySQL = Dialect{
		Name:        "mysql",
		quote:       "`",
		placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Name:        "postgres",
		quote:       `"`,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
)

// Quote quotes an identifier, doubling embedded quote characters
func (d Dialect) Quote(identifier string) string {
	return d.quote + strings.ReplaceAll(identifier, d.quote, d.quote+d.quote) + d.quote
}

// Table returns the quoted, namespace qualified table name
func (d Dialect) Table(table types.TableID) string {
	if table.Namespace == "" {
		return d.Quote(table.Name)
	}
	return d.Quote(table.Namespace) + "." + d.Quote(table.Name)
}

// MinMaxQuery returns the query to fetch MIN and MAX values of a column in a table
func MinMaxQuery(d Dialect, table types.TableID, column string) string {
	return fmt.Sprintf(`SELECT MIN(%[1]s) AS min_value, MAX(%[1]s) AS max_value FROM %[2]s`, d.Quote(column), d.Table(table))
}

// NextChunkEndQuery returns the query for the key chunkSize rows after the bind parameter.
// The chunk ends at that key, so the next chunk starts right after it.
func NextChunkEndQuery(d Dialect, table types.TableID, column string, chunkSize int) string {
	return fmt.Sprintf(`SELECT MAX(%[1]s) FROM (SELECT %[1]s FROM %[2]s WHERE %[1]s > %[3]s ORDER BY %[1]s ASC LIMIT %[4]d) AS subquery`,
		d.Quote(column), d.Table(table), d.placeholder(1), chunkSize)
}

// ChunkScanQuery selects the rows of chunk: key >= lower AND key < upper. The
// chunk without a lower bound also owns the rows with a NULL key.
func ChunkScanQuery(d Dialect, table types.TableID, columns []string, column string, chunk types.Chunk) (string, []any) {
	key := d.Quote(column)
	conditions := []string{}
	args := []any{}
	if chunk.Min != nil {
		args = append(args, chunk.Min)
		conditions = append(conditions, fmt.Sprintf("%s >= %s", key, d.placeholder(len(args))))
	}
	if chunk.Max != nil {
		args = append(args, chunk.Max)
		upper := fmt.Sprintf("%s < %s", key, d.placeholder(len(args)))
		if chunk.Min == nil {
			upper = fmt.Sprintf("(%s OR %s IS NULL)", upper, key)
		}
		conditions = append(conditions, upper)
	}

	projection := "*"
	if len(columns) > 0 {
		quoted := make([]string, 0, len(columns))
		for _, name := range columns {
			quoted = append(quoted, d.Quote(name))
		}
		projection = strings.Join(quoted, ", ")
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, projection, d.Table(table))
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	return query + " ORDER BY " + key, args
}

// PostgreSQL-Specific Queries

// PostgresRowCountQuery returns the query to fetch the estimated row count in PostgreSQL
func PostgresRowCountQuery() string {
	return `SELECT reltuples::bigint AS approx_row_count FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace WHERE c.relname = $1 AND n.nspname = $2`
}

// PostgresWalLSNQuery returns the query to fetch the current WAL LSN in PostgreSQL
func PostgresWalLSNQuery() string {
	return `SELECT pg_current_wal_lsn()::text`
}

// PostgresDiscoverTablesQuery lists the base tables outside of the system schemas
func PostgresDiscoverTablesQuery() string {
	return `
		SELECT table_schema, table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE'
		AND table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_schema, table_name
	`
}

// PostgresTableSchemaQuery returns the columns and primary key membership of a table
func PostgresTableSchemaQuery() string {
	return `
		SELECT c.column_name, c.data_type, c.is_nullable,
			COALESCE((SELECT k.ordinal_position FROM information_schema.key_column_usage k
				JOIN information_schema.table_constraints t
				ON t.constraint_name = k.constraint_name AND t.table_schema = k.table_schema
				WHERE t.constraint_type = 'PRIMARY KEY' AND k.table_schema = c.table_schema
				AND k.table_name = c.table_name AND k.column_name = c.column_name), 0) AS key_position
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`
}

// PostgresReplicationSlotQuery reads the plugin and confirmed position of a slot
func PostgresReplicationSlotQuery() string {
	return `SELECT plugin, slot_type, confirmed_flush_lsn::text AS confirmed_flush_lsn FROM pg_replication_slots WHERE slot_name = $1`
}

// MySQL-Specific Queries

// MySQLDiscoverTablesQuery returns the query to discover tables in a MySQL database
func MySQLDiscoverTablesQuery() string {
	return `
		SELECT
			TABLE_SCHEMA AS table_schema,
			TABLE_NAME AS table_name
		FROM
			INFORMATION_SCHEMA.TABLES
		WHERE
			TABLE_SCHEMA = ?
			AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME
	`
}

// MySQLTableSchemaQuery returns the query to fetch schema information for a table in MySQL
func MySQLTableSchemaQuery() string {
	return `
		SELECT
			c.COLUMN_NAME AS column_name,
			c.DATA_TYPE AS data_type,
			c.IS_NULLABLE AS is_nullable,
			COALESCE(k.ORDINAL_POSITION, 0) AS key_position
		FROM
			INFORMATION_SCHEMA.COLUMNS c
		LEFT JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE k
			ON k.TABLE_SCHEMA = c.TABLE_SCHEMA AND k.TABLE_NAME = c.TABLE_NAME
			AND k.COLUMN_NAME = c.COLUMN_NAME AND k.CONSTRAINT_NAME = 'PRIMARY'
		WHERE
			c.TABLE_SCHEMA = ? AND c.TABLE_NAME = ?
		ORDER BY
			c.ORDINAL_POSITION
	`
}

// MySQLTableRowsQuery returns the query to fetch the estimated row count of a table in MySQL
func MySQLTableRowsQuery() string {
	return `
		SELECT TABLE_ROWS
		FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = ?
		AND TABLE_NAME = ?
	`
}

// MySQLMasterStatusQuery returns the query to fetch the current binlog position in MySQL
func MySQLMasterStatusQuery() string {
	return "SHOW MASTER STATUS"
}

// MySQLLogBinQuery reports whether binary logging is enabled and its row format
func MySQLLogBinQuery() string {
	return "SELECT @@log_bin, @@binlog_format, @@binlog_row_metadata"
}

// WithIsolation runs fn inside a read only REPEATABLE READ transaction so that
// every query of fn sees the same snapshot.
func WithIsolation(ctx context.Context, client *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := client.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %s", types.ErrTransient, err)
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			logger.Warnf("transaction rollback failed: %s", rerr)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
