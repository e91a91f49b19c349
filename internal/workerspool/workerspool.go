// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of builds (or any other tasks) running concurrently.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks in goroutines, with at most MaxParallelism of them running at the same time.
type Pool struct {
	// maxParallelism is the limit of tasks running in parallel.
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Should be signaled whenever numRunning is decreased.
	numRunning     int
	wg             sync.WaitGroup
}

// New return a new Pool of workers with the given parallelism.
// If maxParallelism is 0, it uses runtime.NumCPU(). If it is negative parallelism is unlimited.
func New(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	if maxParallelism == 0 {
		w.maxParallelism = runtime.NumCPU()
	}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0)
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism is the limit of tasks running concurrently, or -1 if unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// lockedIsFull returns whether all available workers are in use.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart waits until there is a worker available, and then starts the task in a new goroutine.
// Use Wait to wait for all started tasks to finish.
func (w *Pool) WaitToStart(task func()) {
	w.wg.Add(1)
	if w.IsUnlimited() {
		go func() {
			defer w.wg.Done()
			task()
		}()
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine and keep tabs on w.numRunning.
//
// It must be called with workerPool.mu acquired.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		defer w.wg.Done()
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// Wait until all tasks started so far are finished.
func (w *Pool) Wait() {
	w.wg.Wait()
}
