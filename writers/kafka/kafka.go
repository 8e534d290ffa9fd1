package kafka

import (
	"context"
	"fmt"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/protocol"
	"github.com/datazip-inc/tidemark/types"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes every row event as a debezium style envelope keyed by row id.
// Writes are synchronous, so a returned Write is already acknowledged by the brokers.
type Kafka struct {
	config  *Config
	schemas protocol.SchemaStore
	writer  messageWriter
}

func (k *Kafka) GetConfigRef() protocol.Config {
	k.config = &Config{}
	return k.config
}

func (k *Kafka) Type() string {
	return string(types.Kafka)
}

// Check dials the first reachable broker and reads the cluster metadata
func (k *Kafka) Check(ctx context.Context) error {
	var lastErr error
	for _, broker := range k.config.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		brokers, err := conn.Brokers()
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		logger.Infof("kafka cluster reachable through %s with %d brokers", broker, len(brokers))
		return nil
	}
	return fmt.Errorf("failed to reach kafka brokers %v: %s", k.config.Brokers, lastErr)
}

func (k *Kafka) Setup(_ context.Context, schemas protocol.SchemaStore) error {
	k.schemas = schemas
	if k.writer != nil {
		return nil
	}

	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(k.config.Brokers...),
		Balancer:               &kafka.Hash{}, // same row id, same partition
		BatchSize:              k.config.BatchSize,
		BatchBytes:             k.config.BatchBytes,
		RequiredAcks:           kafka.RequiredAcks(*k.config.RequiredAcks),
		Async:                  false,
		AllowAutoTopicCreation: k.config.AutoCreateTopics,
	}
	return nil
}

func (k *Kafka) Write(ctx context.Context, events []*types.ChangeEvent) error {
	messages := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		message, err := k.message(event)
		if err != nil {
			return err
		}
		messages = append(messages, message)
	}

	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("failed to publish %d messages: %s", len(messages), err)
	}
	return nil
}

func (k *Kafka) message(event *types.ChangeEvent) (kafka.Message, error) {
	if _, found := k.schemas.Lookup(event.Table); !found {
		return kafka.Message{}, fmt.Errorf("no schema registered for table[%s]", event.Table)
	}

	value, err := event.ToDebeziumFormat(k.database(event.Table), k.config.Normalization)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to encode event of table[%s]: %s", event.Table, err)
	}

	return kafka.Message{
		Topic: k.topic(event.Table),
		Key:   []byte(event.RowID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "op", Value: []byte(event.Operation)},
			{Key: "position", Value: []byte(event.Position.String())},
		},
	}, nil
}

func (k *Kafka) topic(table types.TableID) string {
	return k.config.TopicPrefix + table.ID()
}

func (k *Kafka) database(table types.TableID) string {
	if k.config.Database != "" {
		return k.config.Database
	}
	return table.Namespace
}

// Flush is a no-op: WriteMessages returns once the brokers acknowledged
func (k *Kafka) Flush(_ context.Context) error {
	return nil
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func init() {
	protocol.RegisteredWriters[types.Kafka] = func() protocol.Writer {
		return new(Kafka)
	}
}
