// Package worker runs review tasks in the background with per-report
// serialization.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

type Task func(ctx context.Context) error

// Recorder receives task lifecycle signals. Implemented by metrics.WorkerMetrics.
type Recorder interface {
	StartTask(kind string)
	FinishTask(kind string, duration time.Duration, err error)
	TaskCoalesced(kind string)
}

type queuedTask struct {
	kind string
	fn   Task
}

type keyState struct {
	pending *queuedTask
}

// Dispatcher runs at most one task per key at a time. A task dispatched for a
// busy key waits in a single pending slot; a newer one replaces it.
type Dispatcher struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics Recorder

	mu     sync.Mutex
	active map[string]*keyState
	wg     sync.WaitGroup
}

func NewDispatcher(maxConcurrent int, taskTimeout time.Duration, metrics Recorder) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if taskTimeout <= 0 {
		taskTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: taskTimeout,
		metrics: metrics,
		active:  make(map[string]*keyState),
	}
}

func (d *Dispatcher) Dispatch(key, kind string, fn Task) {
	d.mu.Lock()
	if state, busy := d.active[key]; busy {
		state.pending = &queuedTask{kind: kind, fn: fn}
		d.mu.Unlock()
		slog.Info("review_task_coalesced", "key", key, "kind", kind)
		if d.metrics != nil {
			d.metrics.TaskCoalesced(kind)
		}
		return
	}
	d.active[key] = &keyState{}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(key, queuedTask{kind: kind, fn: fn})
}

// Wait blocks until every dispatched task, including pending ones, finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(key string, task queuedTask) {
	defer d.wg.Done()
	for {
		d.execute(key, task)

		d.mu.Lock()
		state := d.active[key]
		if state.pending == nil {
			delete(d.active, key)
			d.mu.Unlock()
			return
		}
		task = *state.pending
		state.pending = nil
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(key string, task queuedTask) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		slog.Error("review_task_not_started", "key", key, "kind", task.kind, "error", err)
		return
	}
	defer d.sem.Release(1)

	if d.metrics != nil {
		d.metrics.StartTask(task.kind)
	}
	started := time.Now()
	err := safeRun(ctx, task.fn)
	duration := time.Since(started)
	if d.metrics != nil {
		d.metrics.FinishTask(task.kind, duration, err)
	}

	if err != nil {
		slog.Error("review_task_failed",
			"key", key,
			"kind", task.kind,
			"duration_ms", float64(duration.Microseconds())/1000.0,
			"error", err,
		)
		return
	}
	slog.Info("review_task_completed",
		"key", key,
		"kind", task.kind,
		"duration_ms", float64(duration.Microseconds())/1000.0,
	)
}

func safeRun(ctx context.Context, fn Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("review_task_panic", "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("review task panic: %v", rec)
		}
	}()
	return fn(ctx)
}
