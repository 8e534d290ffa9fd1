package utils

import (
	"context"
	"time"

	"github.com/datazip-inc/tidemark/logger"
)

// RetryOnBackoffContext retries f up to attempts times doubling sleep after each failure.
// Errors for which retryable returns false are returned immediately.
func RetryOnBackoffContext(ctx context.Context, attempts int, sleep time.Duration, retryable func(error) bool, f func() error) (err error) {
	attempts = max(attempts, 1)
	for cur := 0; cur < attempts; cur++ {
		if err = f(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if cur == attempts-1 {
			break
		}

		logger.Infof("retry attempt[%d], retrying after %.2f seconds due to err: %s", cur+1, sleep.Seconds(), err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
		sleep = sleep * 2
	}

	return err
}
