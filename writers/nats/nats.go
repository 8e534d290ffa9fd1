package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/protocol"
	"github.com/datazip-inc/tidemark/types"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
)

type publisher interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATS publishes row events to JetStream, one stream per table. The message id
// is the event dedup key so that replays after a restart are dropped by the server.
type NATS struct {
	config  *Config
	schemas protocol.SchemaStore
	conn    *nats.Conn
	js      publisher
	streams *xsync.MapOf[string, struct{}]
}

func (n *NATS) GetConfigRef() protocol.Config {
	n.config = &Config{}
	return n.config
}

func (n *NATS) Type() string {
	return string(types.NATS)
}

func (n *NATS) connect() error {
	conn, err := nats.Connect(n.config.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	n.conn = conn
	n.js = js
	return nil
}

// Check connects and reads the JetStream account info
func (n *NATS) Check(ctx context.Context) error {
	if err := n.connect(); err != nil {
		return err
	}
	defer func() {
		n.conn.Close()
		n.conn, n.js = nil, nil
	}()

	info, err := n.js.(jetstream.JetStream).AccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("jetstream not available: %w", err)
	}
	logger.Infof("jetstream reachable, %d streams in account", info.Streams)
	return nil
}

func (n *NATS) Setup(_ context.Context, schemas protocol.SchemaStore) error {
	n.schemas = schemas
	n.streams = xsync.NewMapOf[string, struct{}]()
	if n.js != nil {
		return nil
	}
	return n.connect()
}

func (n *NATS) Write(ctx context.Context, events []*types.ChangeEvent) error {
	for _, event := range events {
		if _, found := n.schemas.Lookup(event.Table); !found {
			return fmt.Errorf("no schema registered for table[%s]", event.Table)
		}
		if err := n.ensureStream(ctx, event.Table); err != nil {
			return err
		}

		value, err := event.ToDebeziumFormat(n.database(event.Table), n.config.Normalization)
		if err != nil {
			return fmt.Errorf("failed to encode event of table[%s]: %s", event.Table, err)
		}

		msg := &nats.Msg{
			Subject: n.subject(event.Table),
			Data:    value,
			Header: nats.Header{
				"key":         []string{event.RowID},
				"op":          []string{string(event.Operation)},
				"position":    []string{event.Position.String()},
				nats.MsgIdHdr: []string{event.DedupKey()},
			},
		}

		publishCtx, cancel := context.WithTimeout(ctx, n.config.publishTimeout())
		_, err = n.js.PublishMsg(publishCtx, msg)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
		}
	}
	return nil
}

func (n *NATS) ensureStream(ctx context.Context, table types.TableID) error {
	subject := n.subject(table)
	if _, exists := n.streams.Load(subject); exists {
		return nil
	}

	streamName := streamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    n.config.maxAge(),
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}
	n.streams.Store(subject, struct{}{})
	return nil
}

func (n *NATS) subject(table types.TableID) string {
	return n.config.SubjectPrefix + "." + table.ID()
}

func (n *NATS) database(table types.TableID) string {
	if n.config.Database != "" {
		return n.config.Database
	}
	return table.Namespace
}

// Flush is a no-op: every publish waits for the JetStream ack
func (n *NATS) Flush(_ context.Context) error {
	return nil
}

func (n *NATS) Close() error {
	if n.conn != nil {
		return n.conn.Drain()
	}
	return nil
}

// streamName converts a subject to a valid JetStream stream name
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(subject)
}

func init() {
	protocol.RegisteredWriters[types.NATS] = func() protocol.Writer {
		return new(NATS)
	}
}
