package waljs

import (
	"net/url"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/jackc/pglogrepl"
)

type Config struct {
	Connection          url.URL
	ReplicationSlotName string
	// StatusInterval is the period of standby status updates sent to the server
	StatusInterval time.Duration
}

type ReplicationSlot struct {
	SlotType string `db:"slot_type"`
	Plugin   string `db:"plugin"`
	LSN      string `db:"confirmed_flush_lsn"`
}

// WALMessage is one transaction in wal2json format version 1
type WALMessage struct {
	NextLSN   string      `json:"nextlsn"`
	Timestamp string      `json:"timestamp"`
	Change    []WALChange `json:"change"`
}

type WALChange struct {
	Kind         string `json:"kind"`
	Schema       string `json:"schema"`
	Table        string `json:"table"`
	Columnnames  []string
	Columntypes  []string
	Columnvalues []any
	Oldkeys      struct {
		Keynames  []string `json:"keynames"`
		Keytypes  []string `json:"keytypes"`
		Keyvalues []any    `json:"keyvalues"`
	} `json:"oldkeys"`
}

func ToPosition(lsn pglogrepl.LSN) types.Position {
	return types.Position{Offset: uint64(lsn)}
}

func FromPosition(position types.Position) pglogrepl.LSN {
	return pglogrepl.LSN(position.Offset)
}
