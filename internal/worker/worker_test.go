package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent delivery, timeout mechanism, graceful shutdown
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spinal/pkg/types"
)

func echoExecutor() Executor {
	return ExecutorFunc(func(_ context.Context, task Task) (json.RawMessage, error) {
		return task.Job.Payload, nil
	})
}

func newTask(id string, timeout time.Duration) Task {
	return Task{
		Job:     &types.Job{ID: types.JobID(id), Payload: json.RawMessage(`{"id":"` + id + `"}`)},
		Worker:  types.NodeInfo{ID: "w1"},
		Timeout: timeout,
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

// TestNewPool tests creating Worker Pool
func TestNewPool(t *testing.T) {
	pool := NewPool(10, echoExecutor())
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

// TestPoolStart tests starting Worker Pool
func TestPoolStart(t *testing.T) {
	pool := NewPool(10, echoExecutor())

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.Error(t, pool.Start(4))
	pool.Stop()
}

// TestSubmitBeforeStart tests submitting to an idle pool
func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(1, echoExecutor())
	assert.ErrorIs(t, pool.Submit(newTask("a", 0)), ErrPoolNotStarted)
}

// TestWorkerExecution tests delivery results
func TestWorkerExecution(t *testing.T) {
	pool := NewPool(10, echoExecutor())
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(newTask(fmt.Sprintf("task-%d", i), time.Second)))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	require.Len(t, results, taskCount)
	r := results["task-3"]
	assert.True(t, r.Success)
	assert.Equal(t, types.NodeID("w1"), r.Worker)
	assert.JSONEq(t, `{"id":"task-3"}`, string(r.Data))
}

// TestTimeout tests delivery timeout mechanism
func TestTimeout(t *testing.T) {
	pool := NewPool(10, ExecutorFunc(func(ctx context.Context, _ Task) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("timeout-task", time.Millisecond)))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

// TestExecutorError tests failed deliveries
func TestExecutorError(t *testing.T) {
	boom := errors.New("boom")
	pool := NewPool(1, ExecutorFunc(func(context.Context, Task) (json.RawMessage, error) {
		return nil, boom
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("a", 0)))
	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, boom)
}

// TestExecutorPanic tests that a panicking executor does not kill the worker
func TestExecutorPanic(t *testing.T) {
	var calls atomic.Int32
	pool := NewPool(2, ExecutorFunc(func(_ context.Context, task Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			panic("bad delivery")
		}
		return task.Job.Payload, nil
	}))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(newTask("a", 0)))
	require.NoError(t, pool.Submit(newTask("b", 0)))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, first.Success)
	assert.Contains(t, first.Error.Error(), "bad delivery")

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrency tests concurrent execution
func TestConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	pool := NewPool(100, ExecutorFunc(func(_ context.Context, task Task) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	require.NoError(t, pool.Start(8))
	defer pool.Stop()

	taskCount := 64
	var wg sync.WaitGroup
	for i := 0; i < taskCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(newTask(fmt.Sprintf("task-%d", i), time.Second)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
	assert.Greater(t, peak.Load(), int32(1))
	assert.LessOrEqual(t, peak.Load(), int32(8))
}

// ============================================================================
// Shutdown Tests
// ============================================================================

// TestStop tests graceful shutdown
func TestStop(t *testing.T) {
	pool := NewPool(1, echoExecutor())
	require.NoError(t, pool.Start(2))

	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(newTask("late", 0)), ErrPoolClosed)
	_, err := pool.ReceiveResult()
	assert.ErrorIs(t, err, ErrPoolClosed)

	select {
	case <-pool.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}
}

// TestStopUnblocksSubmit tests that a blocked Submit returns when the pool stops
func TestStopUnblocksSubmit(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(0, ExecutorFunc(func(context.Context, Task) (json.RawMessage, error) {
		<-release
		return nil, nil
	}))
	require.NoError(t, pool.Start(1))

	require.NoError(t, pool.Submit(newTask("busy", 0)))

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Submit(newTask("blocked", 0)) }()

	time.Sleep(20 * time.Millisecond)
	close(release)
	go pool.Stop()

	select {
	case err := <-errCh:
		// 可能剛好被 Worker 取走，也可能因停止而失敗
		if err != nil {
			assert.ErrorIs(t, err, ErrPoolClosed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit stayed blocked after Stop")
	}
}
