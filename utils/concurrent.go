package utils

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Concurrent executes over every element with at most concurrency goroutines.
// The first failure cancels the context handed to the remaining executions.
func Concurrent[T any](ctx context.Context, array []T, concurrency int, execute func(ctx context.Context, one T, executionNumber int) error) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(max(concurrency, 1))

	for idx, one := range array {
		group.Go(func() error {
			return execute(groupCtx, one, idx+1)
		})
	}

	return group.Wait()
}

// ConcurrentCollect is Concurrent without fail-fast: a failing execution never
// cancels its siblings and every error is returned together.
func ConcurrentCollect[T any](ctx context.Context, array []T, concurrency int, execute func(ctx context.Context, one T, executionNumber int) error) error {
	sem := semaphore.NewWeighted(int64(max(concurrency, 1)))
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result error
	)
	appendErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		result = multierror.Append(result, err)
	}

	for idx, one := range array {
		if err := sem.Acquire(ctx, 1); err != nil {
			appendErr(fmt.Errorf("execution %d not started: %w", idx+1, err))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if err := execute(ctx, one, idx+1); err != nil {
				appendErr(err)
			}
		}()
	}
	wg.Wait()

	return result
}
