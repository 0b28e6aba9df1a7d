package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10)

	require.NoError(t, pool.Start(context.Background(), 8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(context.Background(), 4), ErrPoolStarted)
	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(context.Background(), 1))

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, pool.Submit(func(context.Context) {
			defer wg.Done()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}))
	}
	wg.Wait()
	pool.Stop()

	// a single worker preserves submission order
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	assert.Equal(t, int64(10), pool.Stats().Completed)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(context.Background(), 4))

	var done atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = pool.Submit(func(context.Context) { done.Inc() })
			}
		}()
	}
	wg.Wait()
	pool.Stop()

	assert.Equal(t, int64(400), done.Load())
	assert.Equal(t, int64(400), pool.Stats().Submitted)
}

func TestPanicRecovered(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(context.Background(), 1))

	ran := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	pool.Stop()
	assert.Equal(t, int64(1), pool.Stats().Panicked)
}

// ============================================================================
// Shutdown Tests
// ============================================================================

func TestGracefulShutdownCancelsContext(t *testing.T) {
	pool := NewPool(4)
	require.NoError(t, pool.Start(context.Background(), 2))

	started := make(chan struct{})
	var canceled atomic.Bool
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	}))
	<-started
	pool.Stop()
	assert.True(t, canceled.Load())
}

func TestQueuedTasksDrainOnStop(t *testing.T) {
	pool := NewPool(8)
	require.NoError(t, pool.Start(context.Background(), 1))

	block := make(chan struct{})
	var ran atomic.Int64
	require.NoError(t, pool.Submit(func(context.Context) { <-block }))
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(context.Context) { ran.Inc() }))
	}
	close(block)
	pool.Stop()
	assert.Equal(t, int64(5), ran.Load())
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(1)
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrPoolClosed)
	assert.ErrorIs(t, pool.Start(context.Background(), 1), ErrPoolClosed)
}

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1)
	assert.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrPoolNotStarted)
	pool.Stop()
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))
	pool.Stop()
	pool.Stop()
	assert.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrPoolClosed)
}

func TestBlockedSubmitReleasedByStop(t *testing.T) {
	pool := NewPool(1)
	require.NoError(t, pool.Start(context.Background(), 1))

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(context.Context) { close(started); <-block }))
	<-started
	require.NoError(t, pool.Submit(func(context.Context) {})) // fills the buffer

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(func(context.Context) {}) }()

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	assert.ErrorIs(t, <-errCh, ErrPoolClosed)
	close(block)
	<-stopped
}

func BenchmarkPoolSubmit(b *testing.B) {
	pool := NewPool(1024)
	if err := pool.Start(context.Background(), 8); err != nil {
		b.Fatal(err)
	}
	defer pool.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = pool.Submit(func(context.Context) {})
	}
}
