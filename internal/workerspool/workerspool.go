// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a bounded pool of goroutines running tasks that can fail.
//
// Tasks are started with Pool.Go, which blocks while the pool is full, and joined with Pool.Wait,
// which returns the first failure. A panicking task is converted to an error.
package workerspool

import (
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Pool of workers. Create it with New.
type Pool struct {
	// maxParallelism is the limit of tasks running at the same time.
	// If <= 0 parallelism is unlimited.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
	numStarted int

	// firstErr is the first task error, in order of completion.
	firstErr error
	numErrs  int
}

// New returns a new Pool with maxParallelism workers. If maxParallelism is 0 it defaults to
// runtime.NumCPU(), if negative parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	if maxParallelism == 0 {
		w.maxParallelism = runtime.NumCPU()
	}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of concurrently running tasks, or a value <= 0 if unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// IsUnlimited returns whether parallelism is unlimited.
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism <= 0
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with Pool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.IsUnlimited() {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// Go waits until there is a worker available and runs task in it.
//
// It returns immediately after the task is started. Errors (and panics) of the task are collected and
// reported by Wait.
func (w *Pool) Go(task func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	w.numStarted++
	go func() {
		err := runTask(task)
		w.mu.Lock()
		if err != nil {
			if w.firstErr == nil {
				w.firstErr = err
			}
			w.numErrs++
		}
		w.numRunning--
		w.cond.Broadcast()
		w.mu.Unlock()
	}()
}

// runTask runs task converting a panic to an error.
func runTask(task func() error) (err error) {
	panicErr := exceptions.TryCatch[error](func() {
		err = task()
	})
	if panicErr != nil {
		return errors.WithMessage(panicErr, "task panicked")
	}
	return err
}

// Wait blocks until all started tasks finished and returns the first error, if any failed.
//
// It is the only synchronization point of the pool: results written by tasks can be read after Wait
// returns.
func (w *Pool) Wait() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
	if w.firstErr == nil {
		return nil
	}
	if w.numErrs > 1 {
		return errors.WithMessagef(w.firstErr, "%d of %d tasks failed, first error", w.numErrs, w.numStarted)
	}
	return w.firstErr
}
