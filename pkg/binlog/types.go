package binlog

import (
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
)

// Config holds the configuration for the binlog syncer.
type Config struct {
	ServerID        uint32
	Flavor          string
	Host            string
	Port            uint16
	User            string
	Password        string
	Charset         string
	VerifyChecksum  bool
	HeartbeatPeriod time.Duration
}

// RowsChange is the payload of a raw record carrying one rows event
type RowsChange struct {
	Event     *replication.RowsEvent
	EventType replication.EventType
}

func ToPosition(pos mysql.Position) types.Position {
	return types.Position{File: pos.Name, Offset: uint64(pos.Pos)}
}

func FromPosition(pos types.Position) mysql.Position {
	return mysql.Position{Name: pos.File, Pos: uint32(pos.Offset)}
}
