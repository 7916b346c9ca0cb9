package concurrency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphoreBoundsConcurrency(t *testing.T) {
	sem := NewSemaphore(2)
	ctx := context.Background()

	require.NoError(t, sem.Acquire(ctx))
	require.NoError(t, sem.Acquire(ctx))
	assert.Equal(t, 2, sem.InUse())

	assert.False(t, sem.TryAcquire())

	sem.Release()
	assert.True(t, sem.TryAcquire())
}

func TestSemaphoreAcquireHonorsContext(t *testing.T) {
	sem := NewSemaphore(1)
	require.NoError(t, sem.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := sem.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSemaphoreReleaseWhenEmpty(t *testing.T) {
	sem := NewSemaphore(1)

	// Releasing an idle semaphore must not panic or corrupt the count.
	sem.Release()
	assert.Equal(t, 0, sem.InUse())

	require.NoError(t, sem.Acquire(context.Background()))
	assert.Equal(t, 1, sem.InUse())
}

func TestSemaphoreUnderLoad(t *testing.T) {
	sem := NewSemaphore(3)
	ctx := context.Background()

	var mu sync.Mutex
	var peak, active int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, sem.Acquire(ctx))
			defer sem.Release()

			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 3)
}

func TestRateLimiterAdmitsBurstThenThrottles(t *testing.T) {
	rl := NewRateLimiter(10)
	defer rl.Stop()

	ctx := context.Background()

	// The initial bucket admits a full burst immediately.
	for i := 0; i < 10; i++ {
		require.NoError(t, rl.Wait(ctx))
	}

	// The next slot only opens after a refill tick (~100ms at 10 rps).
	start := time.Now()
	require.NoError(t, rl.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(5)
	rl.Stop()
	rl.Stop()
}
