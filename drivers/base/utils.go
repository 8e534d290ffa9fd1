package base

import (
	"context"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/utils"
)

// Connect calls connect until it succeeds or retries are exhausted. Every
// attempt is bounded by timeout.
func Connect(ctx context.Context, retries int, timeout time.Duration, connect func(ctx context.Context) error) error {
	attempt := 0
	return utils.RetryOnBackoffContext(ctx, retries, time.Second, nil, func() error {
		attempt++
		logger.Debugf("connection attempt[%d]", attempt)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return connect(attemptCtx)
	})
}
