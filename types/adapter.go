package types

type AdapterType string

const (
	Parquet AdapterType = "PARQUET"
	Kafka   AdapterType = "KAFKA"
	NATS    AdapterType = "NATS"
)

type WriterConfig struct {
	Type         AdapterType `json:"type" validate:"required,oneof=PARQUET KAFKA NATS"`
	WriterConfig any         `json:"writer" validate:"required"`
}
