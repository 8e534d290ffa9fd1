package binlog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

// Source is the binlog of one MySQL server. current reads the position of the
// server's latest write, usually with SHOW MASTER STATUS.
type Source struct {
	config  *Config
	current func(ctx context.Context) (types.Position, error)
}

func NewSource(config *Config, current func(ctx context.Context) (types.Position, error)) *Source {
	return &Source{config: config, current: current}
}

func (s *Source) CurrentPosition(ctx context.Context) (types.Position, error) {
	return s.current(ctx)
}

// Subscribe starts a binlog sync at start
func (s *Source) Subscribe(_ context.Context, start types.Position) (tailer.Subscription, error) {
	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        s.config.ServerID,
		Flavor:          s.config.Flavor,
		Host:            s.config.Host,
		Port:            s.config.Port,
		User:            s.config.User,
		Password:        s.config.Password,
		Charset:         s.config.Charset,
		VerifyChecksum:  s.config.VerifyChecksum,
		HeartbeatPeriod: s.config.HeartbeatPeriod,
	})
	pos := FromPosition(start)
	streamer, err := syncer.StartSync(pos)
	if err != nil {
		syncer.Close()
		return nil, classify(fmt.Errorf("failed to start binlog sync at %s: %w", start, err))
	}

	return &Connection{
		syncer:     syncer,
		streamer:   streamer,
		currentPos: pos,
	}, nil
}

// Connection is one binlog syncer and streamer.
type Connection struct {
	syncer     *replication.BinlogSyncer
	streamer   *replication.BinlogStreamer
	currentPos mysql.Position
}

// Next returns row events as records and every other event as progress
func (c *Connection) Next(ctx context.Context) (tailer.RawRecord, error) {
	ev, err := c.streamer.GetEvent(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return tailer.RawRecord{}, ctx.Err()
		}
		return tailer.RawRecord{}, classify(fmt.Errorf("failed to get binlog event: %w", err))
	}

	// LogPos is the end of the event; artificial events carry 0
	if ev.Header.LogPos > 0 {
		c.currentPos.Pos = ev.Header.LogPos
	}
	record := tailer.RawRecord{
		Timestamp: time.Unix(int64(ev.Header.Timestamp), 0).UTC(),
	}

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		if e.Position > math.MaxUint32 {
			return tailer.RawRecord{}, fmt.Errorf("binlog position overflow: %d exceeds uint32 max value", e.Position)
		}
		c.currentPos = mysql.Position{Name: string(e.NextLogName), Pos: uint32(e.Position)}
		logger.Infof("Binlog rotated to %s:%d", c.currentPos.Name, c.currentPos.Pos)
	case *replication.RowsEvent:
		record.Data = &RowsChange{Event: e, EventType: ev.Header.EventType}
	}

	record.Position = ToPosition(c.currentPos)
	return record, nil
}

// Close terminates the binlog syncer.
func (c *Connection) Close() error {
	c.syncer.Close()
	return nil
}

// classify marks purged binlog files as data loss and everything else as transient
func classify(err error) error {
	var myErr *mysql.MyError
	if errors.As(err, &myErr) && myErr.Code == mysql.ER_MASTER_FATAL_ERROR_READING_BINLOG {
		return fmt.Errorf("%w: %s", types.ErrDataLoss, err)
	}
	if strings.Contains(err.Error(), "Could not find first log file name") {
		return fmt.Errorf("%w: %s", types.ErrDataLoss, err)
	}
	return fmt.Errorf("%w: %s", types.ErrTransient, err)
}
