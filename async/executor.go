// Package async runs work on a pool of worker goroutines and on a single
// main-thread queue that the host drains once per frame.
//
// Continuations attached with the "InMainThread" helpers are only ever invoked
// from [Executor.DispatchMainThreadTasks], never inline on the worker that
// resolved the previous future. The goroutine that drains the queue is what
// this package calls the main thread.
package async

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor owns the worker goroutines and the main-thread queue.
type Executor struct {
	logger *slog.Logger

	workMu     sync.Mutex
	workCond   *sync.Cond
	work       []func()
	workClosed bool
	workers    errgroup.Group

	mainMu    sync.Mutex
	main      []func()
	mainReady chan struct{}

	closeOnce sync.Once
}

type executorConfig struct {
	workers int
	logger  *slog.Logger
}

type Option func(*executorConfig)

// WithWorkers sets the number of worker goroutines (default GOMAXPROCS).
func WithWorkers(n int) Option {
	return func(c *executorConfig) { c.workers = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *executorConfig) { c.logger = logger }
}

// New starts an executor. It must be closed to stop the worker goroutines.
func New(opts ...Option) *Executor {
	config := executorConfig{
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.workers < 1 {
		config.workers = 1
	}

	e := &Executor{
		logger:    config.logger,
		mainReady: make(chan struct{}, 1),
	}
	e.workCond = sync.NewCond(&e.workMu)
	for range config.workers {
		e.workers.Go(func() error {
			e.runWorker()
			return nil
		})
	}
	e.logger.Debug("async: executor started", "workers", config.workers)
	return e
}

func (e *Executor) runWorker() {
	for {
		e.workMu.Lock()
		for len(e.work) == 0 && !e.workClosed {
			e.workCond.Wait()
		}
		if len(e.work) == 0 {
			e.workMu.Unlock()
			return
		}
		task := e.work[0]
		e.work[0] = nil
		e.work = e.work[1:]
		e.workMu.Unlock()

		task()
	}
}

func (e *Executor) enqueueWorker(task func()) {
	// Tasks queued while closing still run: workers only exit on an empty queue.
	e.workMu.Lock()
	e.work = append(e.work, task)
	e.workMu.Unlock()
	e.workCond.Signal()
}

func (e *Executor) enqueueMain(task func()) {
	e.mainMu.Lock()
	e.main = append(e.main, task)
	e.mainMu.Unlock()

	select {
	case e.mainReady <- struct{}{}:
	default:
	}
}

// DispatchMainThreadTasks runs the main-thread tasks queued at the time of the
// call and returns how many ran. Tasks queued by those tasks run on the next call.
func (e *Executor) DispatchMainThreadTasks() int {
	e.mainMu.Lock()
	tasks := e.main
	e.main = nil
	e.mainMu.Unlock()

	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

// HasMainThreadTasks reports whether DispatchMainThreadTasks has work to do.
func (e *Executor) HasMainThreadTasks() bool {
	e.mainMu.Lock()
	defer e.mainMu.Unlock()
	return len(e.main) > 0
}

// WaitForMainThreadTasks blocks until a main-thread task is queued or ctx is done.
// Hosts use it to idle their loop between frames.
func (e *Executor) WaitForMainThreadTasks(ctx context.Context) error {
	if e.HasMainThreadTasks() {
		return nil
	}
	select {
	case <-e.mainReady:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting worker tasks, lets the workers drain what is queued
// and waits for them to exit. Pending main-thread tasks are left in the queue.
func (e *Executor) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.workMu.Lock()
		e.workClosed = true
		e.workMu.Unlock()
		e.workCond.Broadcast()
		err = e.workers.Wait()
		e.logger.Debug("async: executor stopped")
	})
	return err
}
