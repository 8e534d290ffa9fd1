package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/binlog"
	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/go-mysql-org/go-mysql/mysql"
)

func (m *MySQL) binlogConfig() *binlog.Config {
	return &binlog.Config{
		ServerID:        m.config.ServerID,
		Flavor:          "mysql",
		Host:            m.config.Host,
		Port:            uint16(m.config.Port),
		User:            m.config.Username,
		Password:        m.config.Password,
		Charset:         "utf8mb4",
		VerifyChecksum:  true,
		HeartbeatPeriod: 30 * time.Second,
	}
}

func (m *MySQL) CurrentPosition(ctx context.Context) (types.Position, error) {
	return m.binlog.CurrentPosition(ctx)
}

func (m *MySQL) Subscribe(ctx context.Context, start types.Position) (tailer.Subscription, error) {
	return m.binlog.Subscribe(ctx, start)
}

func (m *MySQL) Decode(ctx context.Context, record tailer.RawRecord) ([]*types.ChangeEvent, error) {
	return m.filter.Decode(ctx, record)
}

// currentBinlogPosition reads the position after the latest write
func (m *MySQL) currentBinlogPosition(ctx context.Context) (types.Position, error) {
	rows, err := m.client.QueryContext(ctx, jdbc.MySQLMasterStatusQuery())
	if err != nil {
		return types.Position{}, fmt.Errorf("%w: failed to get master status: %s", types.ErrTransient, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return types.Position{}, fmt.Errorf("no binlog position available, binary logging is disabled")
	}

	columns, err := rows.Columns()
	if err != nil {
		return types.Position{}, fmt.Errorf("failed to get columns: %s", err)
	}

	var file string
	var position uint32
	values := make([]any, len(columns))
	for i := range values {
		values[i] = new(sql.RawBytes)
	}
	values[0] = &file
	values[1] = &position
	if err := rows.Scan(values...); err != nil {
		return types.Position{}, fmt.Errorf("failed to scan binlog position: %s", err)
	}

	return binlog.ToPosition(mysql.Position{Name: file, Pos: position}), nil
}

// checkBinlog requires row based logging with full row images
func (m *MySQL) checkBinlog(ctx context.Context) error {
	var logBin int
	var format, rowMetadata sql.NullString
	if err := m.client.QueryRowContext(ctx, jdbc.MySQLLogBinQuery()).Scan(&logBin, &format, &rowMetadata); err != nil {
		return fmt.Errorf("failed to read binlog settings: %s", err)
	}
	if logBin != 1 {
		return fmt.Errorf("log_bin is disabled")
	}
	if !strings.EqualFold(format.String, "ROW") {
		return fmt.Errorf("binlog_format is %s, ROW is required", format.String)
	}
	if !strings.EqualFold(rowMetadata.String, "FULL") {
		logger.Warnf("binlog_row_metadata is %s, column names are taken from the captured schema", rowMetadata.String)
	}

	position, err := m.currentBinlogPosition(ctx)
	if err != nil {
		return err
	}
	logger.Infof("binlog is readable, current position %s", position)
	return nil
}
