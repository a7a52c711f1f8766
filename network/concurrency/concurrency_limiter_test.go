package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLimiter(t *testing.T) {
	t.Run("with positive limit", func(t *testing.T) {
		l := NewLimiter(10)
		require.Equal(t, 10, l.MaxConcurrent())
		require.Equal(t, 10, cap(l.semaphore))
	})

	t.Run("with non-positive limit uses default", func(t *testing.T) {
		require.Equal(t, defaultMaxConcurrent, NewLimiter(0).MaxConcurrent())
		require.Equal(t, defaultMaxConcurrent, NewLimiter(-5).MaxConcurrent())
	})
}

func TestLimiterAcquire(t *testing.T) {
	t.Run("acquire within limit", func(t *testing.T) {
		l := NewLimiter(2)
		ctx := context.Background()

		require.True(t, l.Acquire(ctx))
		require.True(t, l.Acquire(ctx))
		require.Equal(t, int64(2), l.Active())

		l.Release()
		l.Release()
		require.Equal(t, int64(0), l.Active())
	})

	t.Run("acquire blocks when at limit", func(t *testing.T) {
		l := NewLimiter(1)
		require.True(t, l.Acquire(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		start := time.Now()
		require.False(t, l.Acquire(ctx))
		require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

		l.Release()
	})

	t.Run("canceled context never acquires", func(t *testing.T) {
		l := NewLimiter(1)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.False(t, l.Acquire(ctx))
		require.Equal(t, int64(0), l.Active())
	})

	t.Run("release without acquire is a no-op", func(t *testing.T) {
		l := NewLimiter(1)
		l.Release()
		require.Equal(t, int64(0), l.Active())
	})
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 3
	l := NewLimiter(limit)

	var (
		wg      sync.WaitGroup
		current atomic.Int64
		peak    atomic.Int64
	)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, l.Acquire(context.Background()))
			defer l.Release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}

	wg.Wait()
	require.LessOrEqual(t, peak.Load(), int64(limit))
	require.Equal(t, int64(0), l.Active())
}
