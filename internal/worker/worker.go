// ============================================================================
// Beaver-Timer Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs the request_url action for claimed jobs,
// each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the Executor under a per-task context (timeout when set)
//   3. Send result to resultCh
//   4. Repeat until taskCh is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ exec.Execute(task.URL)  │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Action failure: returned by the Executor as is
//   - Panic inside the Executor is recovered and reported as a failure
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and debugging
	pool     *Pool         // owning pool, for the executor and in-flight accounting
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
}

// newWorker creates a new Worker instance
func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:       id,
		pool:     pool,
		taskCh:   pool.taskCh,
		resultCh: pool.resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.execute(task)
		w.pool.release()

		// Results are never dropped: a lost result would leave the job
		// in_progress until its lease expires.
		w.resultCh <- result
	}
}

// execute runs a single task and encapsulates the outcome
func (w *Worker) execute(task Task) (result Result) {
	start := time.Now()
	result = Result{JobID: task.ID, Attempts: task.Attempts}

	ctx := context.Background()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("worker %d: action panicked: %v", w.id, r)
		}
		result.Duration = time.Since(start)
	}()

	out, err := w.pool.exec.Execute(ctx, task.URL)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	result.Success = err == nil
	result.Output = out
	result.Error = err
	return result
}
