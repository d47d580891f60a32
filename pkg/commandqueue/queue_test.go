package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	executed := false
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		executed = true
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
	assert.True(t, executed)
	assert.Equal(t, 0, cq.Lanes(), "idle lane should be forgotten")
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	expectedErr := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	})

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	_, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The lane keeps working afterwards.
	v, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) { return 1, nil })
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_SerialWithinLane(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	var running, maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning)
}

func TestCommandQueue_FIFOOrder(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "fifo", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// Make the enqueue order deterministic.
		require.Eventually(t, func() bool { return cq.Size("fifo") == i+2 }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrentLanes(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	blockA := make(chan struct{})
	startedA := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "session:a", func(ctx context.Context) (interface{}, error) {
			close(startedA)
			<-blockA
			return nil, nil
		})
	}()
	<-startedA

	done := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "session:b", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lane b was blocked by lane a")
	}
	close(blockA)
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()
	cq.SetConcurrency("wide", 3)

	var running, maxRunning int32
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "wide", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				if n == 3 {
					atomic.StoreInt32(&maxRunning, n)
					close(gate)
				}
				<-gate
				return nil, nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), maxRunning)
}

func TestCommandQueue_WithdrawQueuedTask(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := int32(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			atomic.StoreInt32(&ran, 1)
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.Size("lane") == 2 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 1, cq.Size("lane"))

	close(release)
	require.Eventually(t, func() bool { return cq.Lanes() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

func TestCommandQueue_CancelRunningTaskWaits(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	finished := int32(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			atomic.StoreInt32(&finished, 1)
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished), "Enqueue returned before the running task")
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Options{})

	started := make(chan struct{})
	runningErr := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		runningErr <- err
	}()
	<-started

	queuedErr := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			return nil, nil
		})
		queuedErr <- err
	}()
	require.Eventually(t, func() bool { return cq.Size("lane") == 2 }, time.Second, time.Millisecond)

	cq.Close()
	assert.ErrorIs(t, <-queuedErr, ErrClosed)
	assert.ErrorIs(t, <-runningErr, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
	cq.Close()
}

func TestCommandQueue_EnqueueOnce(t *testing.T) {
	cq := New(Options{})
	defer cq.Close()

	var calls int32
	task := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&calls, 1), nil
	}

	v1, err := cq.EnqueueOnce(context.Background(), "lane", "msg-1", task)
	require.NoError(t, err)
	v2, err := cq.EnqueueOnce(context.Background(), "lane", "msg-1", task)
	require.NoError(t, err)
	v3, err := cq.EnqueueOnce(context.Background(), "lane", "msg-2", task)
	require.NoError(t, err)

	assert.Equal(t, int32(1), v1)
	assert.Equal(t, int32(1), v2)
	assert.Equal(t, int32(2), v3)
	assert.Equal(t, 2, cq.dedup.size())
}
