// ============================================================================
// pbs-jobcore Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: each Worker drains the shared task channel in its own goroutine
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ recover from panic      │   │
//   │  │   └─ task(ctx)               │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// A panicking task is logged and counted; the worker keeps running.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
)

// Worker represents a work execution unit
type Worker struct {
	id   int
	pool *Pool
}

// newWorker creates a new Worker instance
func newWorker(id int, p *Pool) *Worker {
	return &Worker{id: id, pool: p}
}

// Run is the main loop of Worker. It returns when the task channel closes.
func (w *Worker) Run(ctx context.Context) {
	for task := range w.pool.taskCh {
		if err := w.execute(ctx, task); err != nil {
			w.pool.panicked.Inc()
			log.Error("Task panicked", "worker", w.id, "error", err)
		}
		w.pool.completed.Inc()
	}
}

// execute runs one task and converts a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: panic: %v", w.id, r)
		}
	}()
	task(ctx)
	return nil
}
