package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPanic wraps a value recovered from a worker task.
var ErrPanic = errors.New("async: worker task panicked")

// Future is the eventual result of an asynchronous operation.
// The zero value is not usable; futures come from this package's constructors.
type Future[T any] struct {
	s *state[T]
}

type state[T any] struct {
	executor *Executor

	mu       sync.Mutex
	done     bool
	value    T
	err      error
	settlers []func()
}

func newState[T any](e *Executor) *state[T] {
	return &state[T]{executor: e}
}

func (s *state[T]) resolve(value T, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		panic("async: future settled twice")
	}
	s.done = true
	s.value = value
	s.err = err
	settlers := s.settlers
	s.settlers = nil
	s.mu.Unlock()

	for _, fn := range settlers {
		fn()
	}
}

// onSettled calls fn once the state is settled. fn must only schedule work.
func (s *state[T]) onSettled(fn func()) {
	s.mu.Lock()
	if !s.done {
		s.settlers = append(s.settlers, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn()
}

func (s *state[T]) result() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

// IsReady reports whether the future has settled.
func (f Future[T]) IsReady() bool {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return f.s.done
}

// TryResult returns the settled value and error. ok is false while pending.
func (f Future[T]) TryResult() (result Result[T], ok bool) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	return Result[T]{Value: f.s.value, Err: f.s.err}, f.s.done
}

// Executor returns the executor the future schedules its continuations on.
func (f Future[T]) Executor() *Executor {
	return f.s.executor
}

// Promise settles a future from outside the executor.
type Promise[T any] struct {
	s *state[T]
}

func NewPromise[T any](e *Executor) Promise[T] {
	return Promise[T]{s: newState[T](e)}
}

func (p Promise[T]) Future() Future[T] { return Future[T]{s: p.s} }
func (p Promise[T]) Resolve(value T)   { p.s.resolve(value, nil) }

func (p Promise[T]) Reject(err error) {
	var zero T
	p.s.resolve(zero, err)
}

// Resolved returns an already settled future holding value.
func Resolved[T any](e *Executor, value T) Future[T] {
	s := newState[T](e)
	s.resolve(value, nil)
	return Future[T]{s: s}
}

// Rejected returns an already settled future holding err.
func Rejected[T any](e *Executor, err error) Future[T] {
	s := newState[T](e)
	var zero T
	s.resolve(zero, err)
	return Future[T]{s: s}
}

func callWorker[T any](fn func() (T, error)) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fn()
}

// RunInWorkerThread runs fn on a worker goroutine.
func RunInWorkerThread[T any](e *Executor, fn func() (T, error)) Future[T] {
	s := newState[T](e)
	e.enqueueWorker(func() { s.resolve(callWorker(fn)) })
	return Future[T]{s: s}
}

// RunInMainThread queues fn for the next main-thread dispatch.
// Panics in fn propagate out of DispatchMainThreadTasks.
func RunInMainThread[T any](e *Executor, fn func() (T, error)) Future[T] {
	s := newState[T](e)
	e.enqueueMain(func() { s.resolve(fn()) })
	return Future[T]{s: s}
}

// ThenInWorkerThread runs fn on a worker goroutine with the value of f.
// If f fails, fn is skipped and the error propagates.
func ThenInWorkerThread[T, U any](f Future[T], fn func(T) (U, error)) Future[U] {
	e := f.s.executor
	next := newState[U](e)
	f.s.onSettled(func() {
		value, err := f.s.result()
		if err != nil {
			var zero U
			next.resolve(zero, err)
			return
		}
		e.enqueueWorker(func() {
			next.resolve(callWorker(func() (U, error) { return fn(value) }))
		})
	})
	return Future[U]{s: next}
}

// ThenInMainThread runs fn on the main thread with the value of f.
// If f fails, fn is skipped and the error propagates.
func ThenInMainThread[T, U any](f Future[T], fn func(T) (U, error)) Future[U] {
	e := f.s.executor
	next := newState[U](e)
	f.s.onSettled(func() {
		e.enqueueMain(func() {
			value, err := f.s.result()
			if err != nil {
				var zero U
				next.resolve(zero, err)
				return
			}
			next.resolve(fn(value))
		})
	})
	return Future[U]{s: next}
}

// ThenImmediately runs fn on whichever goroutine settles f. fn must be cheap
// and must not touch main-thread state.
func ThenImmediately[T, U any](f Future[T], fn func(T) (U, error)) Future[U] {
	next := newState[U](f.s.executor)
	f.s.onSettled(func() {
		value, err := f.s.result()
		if err != nil {
			var zero U
			next.resolve(zero, err)
			return
		}
		next.resolve(fn(value))
	})
	return Future[U]{s: next}
}

// ThenInWorkerThreadAsync runs fn on a worker goroutine and adopts the future it returns.
func ThenInWorkerThreadAsync[T, U any](f Future[T], fn func(T) Future[U]) Future[U] {
	e := f.s.executor
	next := newState[U](e)
	f.s.onSettled(func() {
		value, err := f.s.result()
		if err != nil {
			var zero U
			next.resolve(zero, err)
			return
		}
		e.enqueueWorker(func() {
			inner, err := callWorker(func() (Future[U], error) { return fn(value), nil })
			if err != nil {
				var zero U
				next.resolve(zero, err)
				return
			}
			inner.s.onSettled(func() { next.resolve(inner.s.result()) })
		})
	})
	return Future[U]{s: next}
}

// CatchInMainThread lets fn replace the error of f on the main thread.
// Successful values pass through untouched.
func CatchInMainThread[T any](f Future[T], fn func(error) (T, error)) Future[T] {
	e := f.s.executor
	next := newState[T](e)
	f.s.onSettled(func() {
		value, err := f.s.result()
		if err == nil {
			next.resolve(value, nil)
			return
		}
		e.enqueueMain(func() { next.resolve(fn(err)) })
	})
	return Future[T]{s: next}
}

// Result pairs a value with the error that replaced it.
type Result[T any] struct {
	Value T
	Err   error
}

// Settle converts f into a future that never fails.
func Settle[T any](f Future[T]) Future[Result[T]] {
	next := newState[Result[T]](f.s.executor)
	f.s.onSettled(func() {
		value, err := f.s.result()
		next.resolve(Result[T]{Value: value, Err: err}, nil)
	})
	return Future[Result[T]]{s: next}
}

// All waits for every future and returns their values in order. It fails with
// the error of the lowest-indexed failed future, after all of them settled.
func All[T any](e *Executor, futures []Future[T]) Future[[]T] {
	next := newState[[]T](e)
	if len(futures) == 0 {
		next.resolve([]T{}, nil)
		return Future[[]T]{s: next}
	}

	var mu sync.Mutex
	values := make([]T, len(futures))
	errs := make([]error, len(futures))
	remaining := len(futures)

	for i, f := range futures {
		f.s.onSettled(func() {
			value, err := f.s.result()
			mu.Lock()
			values[i], errs[i] = value, err
			remaining--
			last := remaining == 0
			mu.Unlock()
			if !last {
				return
			}
			for _, err := range errs {
				if err != nil {
					next.resolve(nil, err)
					return
				}
			}
			next.resolve(values, nil)
		})
	}
	return Future[[]T]{s: next}
}

// WaitInMainThread dispatches main-thread tasks until f settles. It is meant
// for hosts and tests that own the main thread; never call it from a worker.
func WaitInMainThread[T any](ctx context.Context, f Future[T]) (T, error) {
	e := f.s.executor
	settled := make(chan struct{})
	f.s.onSettled(func() { close(settled) })

	for {
		e.DispatchMainThreadTasks()
		select {
		case <-settled:
			return f.s.result()
		default:
		}

		select {
		case <-settled:
		case <-e.mainReady:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}
