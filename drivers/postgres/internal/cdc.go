package driver

import (
	"context"

	"github.com/datazip-inc/tidemark/pkg/tailer"
	"github.com/datazip-inc/tidemark/types"
)

func (p *Postgres) CurrentPosition(ctx context.Context) (types.Position, error) {
	return p.wal.CurrentPosition(ctx)
}

func (p *Postgres) Subscribe(ctx context.Context, start types.Position) (tailer.Subscription, error) {
	return p.wal.Subscribe(ctx, start)
}

func (p *Postgres) Decode(ctx context.Context, record tailer.RawRecord) ([]*types.ChangeEvent, error) {
	return p.filter.Decode(ctx, record)
}

// Acknowledge confirms position to the replication slot so the server can recycle older WAL
func (p *Postgres) Acknowledge(position types.Position) {
	p.wal.Acknowledge(position)
}
