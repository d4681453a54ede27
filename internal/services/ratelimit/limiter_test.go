package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/inkwell/internal/models"
)

func TestConcurrencyCap(t *testing.T) {
	limiter := New(Config{MaxConcurrent: 2, AcquireTimeout: time.Second}, nil)
	ctx := context.Background()

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, limiter.Acquire(ctx))
			n := atomic.AddInt64(&inFlight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&inFlight, -1)
			limiter.Release()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(2))
}

func TestAcquireTimeout(t *testing.T) {
	limiter := New(Config{MaxConcurrent: 1, AcquireTimeout: 30 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx))

	// Slot is held; the second acquire must time out.
	err := limiter.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackendRateLimited)

	limiter.Release()
	require.NoError(t, limiter.Acquire(ctx))
	limiter.Release()
}

func TestTokenBucketConsumesOnAcquire(t *testing.T) {
	// Two tokens per minute: the first two acquires pass immediately, the
	// third has to wait for a refill and times out.
	limiter := New(Config{MaxRPM: 2, AcquireTimeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx))
	limiter.Release()
	require.NoError(t, limiter.Acquire(ctx))
	limiter.Release()

	// Releasing slots did not return tokens.
	err := limiter.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackendRateLimited)
}

func TestGlobalCapSharedAcrossLimiters(t *testing.T) {
	global := NewGlobal(1)
	a := New(Config{MaxConcurrent: 5, AcquireTimeout: 30 * time.Millisecond}, global)
	b := New(Config{MaxConcurrent: 5, AcquireTimeout: 30 * time.Millisecond}, global)
	ctx := context.Background()

	require.NoError(t, a.Acquire(ctx))

	// The single global slot is taken by limiter a.
	err := b.Acquire(ctx)
	require.Error(t, err)

	a.Release()
	require.NoError(t, b.Acquire(ctx))
	b.Release()
}

func TestCancelledContext(t *testing.T) {
	limiter := New(Config{MaxConcurrent: 1, AcquireTimeout: time.Second}, nil)

	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := limiter.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)

	limiter.Release()
}
