// ============================================================================
// spinal Worker - Delivery Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Each Worker runs in an independent goroutine and delivers jobs
//           to worker nodes through the injected Executor
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task from taskCh         │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ executor.Execute(task)  │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A panicking Executor is recovered and reported as a failed Result.
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	stopCh   <-chan struct{}
	executor Executor
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, executor Executor) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		executor: executor,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
func (w *Worker) Run() {
	for {
		var task Task
		select {
		case <-w.stopCh:
			return
		case task = <-w.taskCh:
		}
		start := time.Now()

		ctx := context.Background()
		cancel := func() {}
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		data, err := w.execute(ctx, task)
		cancel()

		result := Result{
			JobID:    task.Job.ID,
			Worker:   task.Worker.ID,
			Success:  err == nil,
			Data:     data,
			Error:    err,
			Duration: time.Since(start),
		}

		// Pool 停止時不再回報結果，任務保持 active，下次啟動時重新排入
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs the executor and converts a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: delivery panic: %v", w.id, r)
		}
	}()
	return w.executor.Execute(ctx, task)
}
