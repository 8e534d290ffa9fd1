package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/datazip-inc/tidemark/types"
	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schemaMap map[string]*types.TableSchema

func (s schemaMap) Lookup(table types.TableID) (*types.TableSchema, bool) {
	schema, found := s[table.ID()]
	return schema, found
}

type recordingWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (r *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, msgs...)
	return nil
}

func (r *recordingWriter) Close() error {
	r.closed = true
	return nil
}

var users = &types.TableSchema{
	Table:      types.TableID{Namespace: "app", Name: "users"},
	Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "email", Type: types.String}},
	PrimaryKey: []string{"id"},
}

func TestConfigDefaults(t *testing.T) {
	config := &Config{Brokers: []string{"localhost:9092"}}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultBatchSize, config.BatchSize)
	assert.Equal(t, int64(DefaultBatchBytes), config.BatchBytes)
	assert.Equal(t, -1, *config.RequiredAcks)

	assert.Error(t, (&Config{}).Validate())
	invalidAcks := 2
	assert.Error(t, (&Config{Brokers: []string{"localhost:9092"}, RequiredAcks: &invalidAcks}).Validate())
}

func TestSetupWriter(t *testing.T) {
	config := &Config{Brokers: []string{"localhost:9092"}, BatchSize: 50}
	require.NoError(t, config.Validate())

	writer := &Kafka{config: config}
	require.NoError(t, writer.Setup(context.Background(), schemaMap{}))

	kafkaWriter, ok := writer.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.Equal(t, 50, kafkaWriter.BatchSize)
	assert.Equal(t, kafka.RequireAll, kafkaWriter.RequiredAcks)
	assert.False(t, kafkaWriter.Async)
	assert.NoError(t, writer.Close())
}

func TestWriteMessages(t *testing.T) {
	recorder := &recordingWriter{}
	writer := &Kafka{config: &Config{TopicPrefix: "cdc.", Normalization: true}, writer: recorder}
	require.NoError(t, writer.Setup(context.Background(), schemaMap{users.ID(): users}))

	events := []*types.ChangeEvent{
		types.NewRowChangeEvent(users, types.Insert, nil, types.Record{"id": int64(1), "email": "a@x.io"}),
		types.NewRowChangeEvent(users, types.Delete, types.Record{"id": int64(2), "email": "b@x.io"}, nil),
	}
	require.NoError(t, writer.Write(context.Background(), events))
	require.Len(t, recorder.messages, 2)

	first := recorder.messages[0]
	assert.Equal(t, "cdc.app.users", first.Topic)
	assert.Equal(t, events[0].RowID, string(first.Key))

	envelope := map[string]any{}
	require.NoError(t, json.Unmarshal(recorder.messages[1].Value, &envelope))
	payload := envelope["value"].(map[string]any)["payload"].(map[string]any)
	assert.Equal(t, "d", payload["_op_type"])
	assert.Equal(t, "b@x.io", payload["email"])
	assert.Equal(t, "app", payload["_db"])

	require.NoError(t, writer.Flush(context.Background()))
	require.NoError(t, writer.Close())
	assert.True(t, recorder.closed)
}

func TestWriteFailures(t *testing.T) {
	t.Run("unknown table", func(t *testing.T) {
		writer := &Kafka{config: &Config{}, writer: &recordingWriter{}}
		require.NoError(t, writer.Setup(context.Background(), schemaMap{}))
		err := writer.Write(context.Background(), []*types.ChangeEvent{
			types.NewRowChangeEvent(users, types.Insert, nil, types.Record{"id": int64(1)}),
		})
		assert.Error(t, err)
	})

	t.Run("broker error", func(t *testing.T) {
		writer := &Kafka{config: &Config{}, writer: &recordingWriter{err: errors.New("leader not available")}}
		require.NoError(t, writer.Setup(context.Background(), schemaMap{users.ID(): users}))
		err := writer.Write(context.Background(), []*types.ChangeEvent{
			types.NewRowChangeEvent(users, types.Insert, nil, types.Record{"id": int64(1)}),
		})
		assert.ErrorContains(t, err, "leader not available")
	})
}
