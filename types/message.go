package types

import (
	"sort"

	"github.com/datazip-inc/tidemark/logger"
)

type MessageType string

const (
	CatalogMessage          MessageType = "CATALOG"
	ConnectionStatusMessage MessageType = "CONNECTION_STATUS"
	StateMessage            MessageType = "STATE"
)

type ConnectionStatus string

const (
	ConnectionSucceed ConnectionStatus = "SUCCEEDED"
	ConnectionFailed  ConnectionStatus = "FAILED"
)

// Message is a line of command output
type Message struct {
	Type             MessageType     `json:"type"`
	ConnectionStatus *StatusRow      `json:"connectionStatus,omitempty"`
	Catalog          []*TableSchema  `json:"catalog,omitempty"`
	State            *PersistedState `json:"state,omitempty"`
}

type StatusRow struct {
	Status  ConnectionStatus `json:"status,omitempty"`
	Message string           `json:"message,omitempty"`
}

// LogCatalog prints the discovered tables and writes them to tables.json
func LogCatalog(tables []*TableSchema) {
	sort.Slice(tables, func(i, j int) bool { return tables[i].ID() < tables[j].ID() })
	message := Message{
		Type:    CatalogMessage,
		Catalog: tables,
	}
	logger.Info(message)
	// write catalog to the specified file
	err := logger.FileLogger(message.Catalog, "tables", ".json")
	if err != nil {
		logger.Fatalf("failed to create tables file: %s", err)
	}
}
