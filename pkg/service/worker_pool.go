package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignatij/flowsched/pkg/models"
)

const (
	// default task timeout is 1m
	DefaultTaskTimeout  = 60 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	retryBackoff        = 100 * time.Millisecond
)

// TaskHandler runs one dispatched task. Returning an error fails the attempt.
type TaskHandler func(ctx context.Context, task models.Task) error

// WorkerPoolConfig tunes a WorkerPool. Zero values use the defaults.
type WorkerPoolConfig struct {
	TaskTimeout  time.Duration
	PollInterval time.Duration
	Retries      int
}

// WorkerPool drains the scheduler: each worker dequeues the next READY task,
// runs the handler with a per-attempt timeout and reports the outcome back,
// which cascades readiness to dependents.
type WorkerPool struct {
	scheduler *Scheduler
	handler   TaskHandler
	logger    Logger
	cfg       WorkerPoolConfig

	// ctx stops polling; runCtx outlives Stop so in-flight attempts finish.
	ctx    context.Context
	cancel context.CancelFunc
	runCtx context.Context
	wake   chan struct{}
	wg     sync.WaitGroup

	stopOnce  sync.Once
	completed atomic.Uint64
	failed    atomic.Uint64
}

func NewWorkerPool(mainCtx context.Context, scheduler *Scheduler, handler TaskHandler, logger Logger, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	ctx, cancel := context.WithCancel(mainCtx)
	return &WorkerPool{
		scheduler: scheduler,
		handler:   handler,
		logger:    logger,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		runCtx:    context.WithoutCancel(mainCtx),
	}
}

// Start begins the worker pool with the specified number of workers
func (wp *WorkerPool) Start(workers int) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	wp.wake = make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infof("Worker pool started with %d workers", workers)
}

// Stop stops polling and drains: tasks already dispatched run to completion,
// retries included, and report back before Stop returns.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.cancel()
		wp.wg.Wait()
		wp.logger.Infof("Worker pool stopped (%d completed, %d failed)", wp.completed.Load(), wp.failed.Load())
	})
}

// Notify wakes an idle worker, e.g. after a submission made a task READY.
func (wp *WorkerPool) Notify() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Stats returns how many tasks completed and failed so far.
func (wp *WorkerPool) Stats() (completed, failed uint64) {
	return wp.completed.Load(), wp.failed.Load()
}

func (wp *WorkerPool) worker(n int) {
	defer wp.wg.Done()
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if wp.ctx.Err() != nil {
			return
		}
		task, err := wp.scheduler.DequeueNextReadyTask(wp.ctx)
		if err != nil && wp.ctx.Err() == nil {
			wp.logger.Errorf("Worker %d failed to dequeue: %v", n, err)
		}
		if task != nil {
			wp.executeTask(*task)
			continue
		}
		select {
		case <-wp.ctx.Done():
			return
		case <-wp.wake:
		case <-ticker.C:
		}
	}
}

func (wp *WorkerPool) executeTask(task models.Task) {
	var taskErr error
	for attempt := 0; attempt <= wp.cfg.Retries; attempt++ {
		wp.logger.Infof("Starting task %s attempt %d", task.ID, attempt+1)
		taskErr = wp.runAttempt(task)
		if taskErr == nil {
			break
		}
		if attempt < wp.cfg.Retries {
			wp.logger.Infof("Retrying task %s (attempt %d/%d): %v", task.ID, attempt+1, wp.cfg.Retries, taskErr)
			time.Sleep(retryBackoff)
		}
	}

	if taskErr != nil {
		wp.failed.Add(1)
		wp.logger.Infof("Task %s failed after %d retries: %v", task.ID, wp.cfg.Retries, taskErr)
		if _, err := wp.scheduler.FailTask(wp.runCtx, task.ID, taskErr.Error()); err != nil {
			wp.logger.Errorf("Failed to mark task %s as FAILED: %v", task.ID, err)
		}
		return
	}

	wp.completed.Add(1)
	unblocked, err := wp.scheduler.OnTaskCompleted(wp.runCtx, task.ID)
	if err != nil {
		wp.logger.Errorf("Failed to mark task %s as COMPLETED: %v", task.ID, err)
		return
	}
	wp.logger.Infof("Task %s completed successfully, %d dependents unblocked", task.ID, len(unblocked))
	for range unblocked {
		wp.Notify()
	}
}

// runAttempt runs the handler once under the task timeout. A handler that
// ignores its context is abandoned when the timeout fires.
func (wp *WorkerPool) runAttempt(task models.Task) (err error) {
	timeoutCtx, cancel := context.WithTimeout(wp.runCtx, wp.cfg.TaskTimeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- fmt.Errorf("task %s panicked: %v", task.ID, r)
			}
		}()
		resultCh <- wp.handler(timeoutCtx, task)
	}()

	select {
	case err = <-resultCh:
		return err
	case <-timeoutCtx.Done():
		wp.logger.Infof("Task %s timeout reached: %v", task.ID, timeoutCtx.Err())
		return timeoutCtx.Err()
	}
}
