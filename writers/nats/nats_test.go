package nats

import (
	"context"
	"testing"
	"time"

	"github.com/datazip-inc/tidemark/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schemaMap map[string]*types.TableSchema

func (s schemaMap) Lookup(table types.TableID) (*types.TableSchema, bool) {
	schema, found := s[table.ID()]
	return schema, found
}

type fakeJetStream struct {
	streams   []jetstream.StreamConfig
	published []*nats.Msg
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.streams = append(f.streams, cfg)
	return nil, nil
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.published = append(f.published, msg)
	return &jetstream.PubAck{Stream: "cdc_app_users", Sequence: uint64(len(f.published))}, nil
}

var users = &types.TableSchema{
	Table:      types.TableID{Namespace: "app", Name: "users"},
	Columns:    []types.Column{{Name: "id", Type: types.Int64}, {Name: "email", Type: types.String}},
	PrimaryKey: []string{"id"},
}

func TestConfigValidate(t *testing.T) {
	config := &Config{URL: "nats://localhost:4222"}
	require.NoError(t, config.Validate())
	assert.Equal(t, DefaultSubjectPrefix, config.SubjectPrefix)
	assert.Equal(t, DefaultStreamMaxAge, config.maxAge())
	assert.Equal(t, DefaultPublishTimeout, config.publishTimeout())

	config.StreamMaxAge = 2
	assert.Equal(t, 2*time.Hour, config.maxAge())

	assert.Error(t, (&Config{}).Validate())
}

func TestWritePublishesPerTableStream(t *testing.T) {
	js := &fakeJetStream{}
	config := &Config{URL: "nats://localhost:4222"}
	require.NoError(t, config.Validate())
	writer := &NATS{config: config, js: js}
	require.NoError(t, writer.Setup(context.Background(), schemaMap{users.ID(): users}))

	events := []*types.ChangeEvent{
		types.NewRowChangeEvent(users, types.Insert, nil, types.Record{"id": int64(1), "email": "a@x.io"}),
		types.NewRowChangeEvent(users, types.Update, types.Record{"id": int64(1), "email": "a@x.io"}, types.Record{"id": int64(1), "email": "b@x.io"}),
	}
	events[1].Position = types.Position{Offset: 99}
	require.NoError(t, writer.Write(context.Background(), events))

	require.Len(t, js.streams, 1, "stream is created once per subject")
	assert.Equal(t, "cdc_app_users", js.streams[0].Name)
	assert.Equal(t, []string{"cdc.app.users"}, js.streams[0].Subjects)

	require.Len(t, js.published, 2)
	second := js.published[1]
	assert.Equal(t, "cdc.app.users", second.Subject)
	assert.Equal(t, events[1].RowID, second.Header.Get("key"))
	assert.Equal(t, "u", second.Header.Get("op"))
	assert.Equal(t, events[1].DedupKey(), second.Header.Get(nats.MsgIdHdr))
	assert.NotEqual(t, js.published[0].Header.Get(nats.MsgIdHdr), second.Header.Get(nats.MsgIdHdr))

	assert.NoError(t, writer.Flush(context.Background()))
	assert.NoError(t, writer.Close())
}

func TestWriteUnknownTable(t *testing.T) {
	writer := &NATS{config: &Config{SubjectPrefix: "cdc"}, js: &fakeJetStream{}}
	require.NoError(t, writer.Setup(context.Background(), schemaMap{}))
	err := writer.Write(context.Background(), []*types.ChangeEvent{
		types.NewRowChangeEvent(users, types.Insert, nil, types.Record{"id": int64(1)}),
	})
	assert.Error(t, err)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "cdc_shop_orders", streamName("cdc.shop.orders"))
	assert.Equal(t, "cdc_a_b_", streamName("cdc.a.b*"))
}
