package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareInterfaceValue(t *testing.T) {
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	testCases := []struct {
		name     string
		a, b     any
		expected int
	}{
		{name: "nil first", a: nil, b: int64(1), expected: -1},
		{name: "both nil", a: nil, b: nil, expected: 0},
		{name: "mixed int kinds", a: int32(7), b: int64(7), expected: 0},
		{name: "negative against unsigned", a: int64(-1), b: uint64(0), expected: -1},
		{name: "float against int", a: 2.5, b: int64(2), expected: 1},
		{name: "strings", a: "apple", b: "banana", expected: -1},
		{name: "bytes against string", a: []byte("b"), b: "b", expected: 0},
		{name: "times", a: early.Add(time.Second), b: early, expected: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, CompareInterfaceValue(tc.a, tc.b))
		})
	}
}

func TestGetKeysHash(t *testing.T) {
	row := map[string]any{"id": int64(1), "tenant": "a", "name": "x"}

	assert.Equal(t, GetKeysHash(row, "tenant", "id"), GetKeysHash(row, "id", "tenant"), "key order does not matter")
	assert.NotEqual(t, GetKeysHash(row, "id"), GetKeysHash(map[string]any{"id": int64(2)}, "id"))
	assert.Equal(t, GetHash(row), GetKeysHash(row))
}

func TestRetryOnBackoffContext(t *testing.T) {
	errFlaky := errors.New("flaky")
	errFatal := errors.New("fatal")

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := RetryOnBackoffContext(context.Background(), 3, time.Millisecond, nil, func() error {
			calls++
			if calls < 3 {
				return errFlaky
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on non retryable error", func(t *testing.T) {
		calls := 0
		err := RetryOnBackoffContext(context.Background(), 5, time.Millisecond, func(err error) bool {
			return !errors.Is(err, errFatal)
		}, func() error {
			calls++
			return errFatal
		})
		assert.ErrorIs(t, err, errFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		calls := 0
		err := RetryOnBackoffContext(context.Background(), 2, time.Millisecond, nil, func() error {
			calls++
			return errFlaky
		})
		assert.ErrorIs(t, err, errFlaky)
		assert.Equal(t, 2, calls)
	})
}

func TestConcurrentCollect(t *testing.T) {
	var (
		running atomic.Int64
		peak    atomic.Int64
		done    atomic.Int64
	)
	err := ConcurrentCollect(context.Background(), []int{1, 2, 3, 4, 5, 6}, 2, func(_ context.Context, one int, _ int) error {
		current := running.Add(1)
		defer running.Add(-1)
		for {
			seen := peak.Load()
			if current <= seen || peak.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		done.Add(1)
		if one%3 == 0 {
			return errors.New("failed")
		}
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Equal(t, int64(6), done.Load(), "failures do not cancel siblings")
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestConcurrentFailsFast(t *testing.T) {
	errBoom := errors.New("boom")
	err := Concurrent(context.Background(), []int{1, 2, 3}, 1, func(ctx context.Context, one int, _ int) error {
		if one == 1 {
			return errBoom
		}
		return ctx.Err()
	})
	assert.ErrorIs(t, err, errBoom)
}
