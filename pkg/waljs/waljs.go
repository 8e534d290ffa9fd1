package waljs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/jdbc"
	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jmoiron/sqlx"
)

var pluginArguments = []string{
	"\"include-lsn\" 'on'",
	"\"pretty-print\" 'off'",
	"\"include-timestamp\" 'on'",
}

// Source is the logical replication stream of one replication slot. The slot
// is only advanced through Acknowledge, so the server keeps every WAL record
// that was not committed downstream.
type Source struct {
	db       *sqlx.DB
	config   *Config
	tls      bool
	acked    atomic.Uint64
	ackReady atomic.Bool
}

func NewSource(db *sqlx.DB, config *Config, useTLS bool) *Source {
	if config.StatusInterval <= 0 {
		config.StatusInterval = 10 * time.Second
	}
	return &Source{db: db, config: config, tls: useTLS}
}

func (s *Source) CurrentPosition(ctx context.Context) (types.Position, error) {
	var current string
	if err := s.db.GetContext(ctx, &current, jdbc.PostgresWalLSNQuery()); err != nil {
		return types.Position{}, fmt.Errorf("%w: failed to read current wal lsn: %s", types.ErrTransient, err)
	}
	lsn, err := pglogrepl.ParseLSN(current)
	if err != nil {
		return types.Position{}, fmt.Errorf("failed to parse wal lsn[%s]: %s", current, err)
	}
	return ToPosition(lsn), nil
}

// Slot reads the replication slot the source streams from
func (s *Source) Slot(ctx context.Context) (*ReplicationSlot, pglogrepl.LSN, error) {
	var slot ReplicationSlot
	if err := s.db.GetContext(ctx, &slot, jdbc.PostgresReplicationSlotQuery(), s.config.ReplicationSlotName); err != nil {
		return nil, 0, fmt.Errorf("failed to get replication slot[%s]: %s", s.config.ReplicationSlotName, err)
	}
	lsn, err := pglogrepl.ParseLSN(slot.LSN)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse confirmed flush lsn[%s]: %s", slot.LSN, err)
	}
	return &slot, lsn, nil
}

// Acknowledge lets the server recycle WAL up to position on the next status update
func (s *Source) Acknowledge(position types.Position) {
	for {
		current := s.acked.Load()
		if position.Offset <= current || s.acked.CompareAndSwap(current, position.Offset) {
			break
		}
	}
	s.ackReady.Store(true)
}

// Subscribe starts logical replication after start. A start before the slot's
// confirmed position can not be served any more.
func (s *Source) Subscribe(ctx context.Context, start types.Position) (tailer.Subscription, error) {
	slot, confirmed, err := s.Slot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", types.ErrTransient, err)
	}
	if slot.Plugin != "wal2json" {
		return nil, fmt.Errorf("replication slot[%s] uses plugin[%s], wal2json is required", s.config.ReplicationSlotName, slot.Plugin)
	}
	if FromPosition(start) < confirmed {
		return nil, fmt.Errorf("%w: position %s is before the confirmed flush lsn %s of slot[%s]", types.ErrDataLoss, start, confirmed, s.config.ReplicationSlotName)
	}
	if !s.ackReady.Load() {
		s.Acknowledge(ToPosition(confirmed))
	}

	connURL := s.config.Connection
	q := connURL.Query()
	q.Set("replication", "database")
	connURL.RawQuery = q.Encode()

	cfg, err := pgconn.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection url: %s", err)
	}
	if s.tls {
		cfg.TLSConfig = &tls.Config{InsecureSkipVerify: false, MinVersion: tls.VersionTLS12}
	}

	pgConn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create postgres replication connection: %s", types.ErrTransient, err)
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, pgConn)
	if err != nil {
		_ = pgConn.Close(context.Background())
		return nil, fmt.Errorf("%w: failed to identify system: %s", types.ErrTransient, err)
	}
	logger.Infof("SystemID:%s Timeline:%d XLogPos:%s Database:%s",
		sysident.SystemID, sysident.Timeline, sysident.XLogPos, sysident.DBName)

	if err := pglogrepl.StartReplication(
		ctx,
		pgConn,
		s.config.ReplicationSlotName,
		FromPosition(start),
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArguments},
	); err != nil {
		_ = pgConn.Close(context.Background())
		return nil, fmt.Errorf("%w: starting replication slot failed: %s", types.ErrTransient, err)
	}
	logger.Infof("Started logical replication on slot[%s] at %s", s.config.ReplicationSlotName, start)

	return &Socket{source: s, pgConn: pgConn, nextStatus: time.Now().Add(s.config.StatusInterval)}, nil
}

// Socket represents a connection to PostgreSQL's logical replication stream
type Socket struct {
	source     *Source
	pgConn     *pgconn.PgConn
	nextStatus time.Time
}

// Next returns one wal2json transaction, or a progress record for keepalives
func (s *Socket) Next(ctx context.Context) (tailer.RawRecord, error) {
	for {
		if time.Now().After(s.nextStatus) {
			if err := s.sendStatus(ctx); err != nil {
				return tailer.RawRecord{}, err
			}
		}

		receiveCtx, cancel := context.WithDeadline(ctx, s.nextStatus)
		msg, err := s.pgConn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return tailer.RawRecord{}, ctx.Err()
			}
			if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return tailer.RawRecord{}, fmt.Errorf("%w: failed to receive message from wal: %s", types.ErrTransient, err)
		}

		switch msg := msg.(type) {
		case *pgproto3.ErrorResponse:
			return tailer.RawRecord{}, fmt.Errorf("%w: replication error: %s", types.ErrTransient, msg.Message)
		case *pgproto3.CopyData:
			record, ok, err := s.process(ctx, msg.Data)
			if err != nil || ok {
				return record, err
			}
		default:
			logger.Debugf("received unexpected message type: %T", msg)
		}
	}
}

func (s *Socket) process(ctx context.Context, data []byte) (tailer.RawRecord, bool, error) {
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return tailer.RawRecord{}, false, fmt.Errorf("failed to parse primary keepalive message: %s", err)
		}
		if keepalive.ReplyRequested {
			if err := s.sendStatus(ctx); err != nil {
				return tailer.RawRecord{}, false, err
			}
		}
		return tailer.RawRecord{Position: ToPosition(keepalive.ServerWALEnd), Timestamp: keepalive.ServerTime}, true, nil

	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return tailer.RawRecord{}, false, fmt.Errorf("failed to parse XLogData: %s", err)
		}
		return tailer.RawRecord{
			Position:  ToPosition(xld.WALStart),
			Timestamp: xld.ServerTime,
			Data:      xld.WALData,
		}, true, nil

	default:
		logger.Debugf("received unhandled message type: %v", data[0])
		return tailer.RawRecord{}, false, nil
	}
}

// sendStatus confirms the acknowledged position to the server
func (s *Socket) sendStatus(ctx context.Context) error {
	acked := pglogrepl.LSN(s.source.acked.Load())
	err := pglogrepl.SendStandbyStatusUpdate(ctx, s.pgConn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: acked,
		WALFlushPosition: acked,
		WALApplyPosition: acked,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to send standby status message: %s", types.ErrTransient, err)
	}
	s.nextStatus = time.Now().Add(s.source.config.StatusInterval)
	logger.Debugf("sent standby status message at LSN#%s", acked)
	return nil
}

func (s *Socket) Close() error {
	return s.pgConn.Close(context.Background())
}
