// Copyright 2024 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package asyncdb lifts the synchronous database API onto the scheduler.
// Each operation returns a Task that runs the whole synchronous call as one
// scheduler job; waiting on the task submits the work and blocks until the
// worker completes it.
package asyncdb

import (
	"sync"

	"github.com/shaledb/shale/scheduler"
)

// A Task is a single-shot asynchronous computation. The computation is
// submitted to the scheduler at default priority the first time the task is
// waited on; its result is stored and every Wait returns the same values. A
// computation that panics re-raises the panic in each waiter.
type Task[T any] struct {
	s  *scheduler.Scheduler
	fn func() (T, error)

	submit sync.Once
	done   chan struct{}

	result   T
	err      error
	panicked any
}

// newTask captures the computation. It does not submit it.
func newTask[T any](s *scheduler.Scheduler, fn func() (T, error)) *Task[T] {
	return &Task[T]{
		s:    s,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Wait submits the computation if it has not yet been submitted, blocks
// until it completes, and returns its result.
func (t *Task[T]) Wait() (T, error) {
	t.submit.Do(func() {
		t.s.Submit(t.run, 0)
	})
	<-t.done
	if t.panicked != nil {
		panic(t.panicked)
	}
	return t.result, t.err
}

func (t *Task[T]) run() {
	defer close(t.done)
	defer func() {
		if p := recover(); p != nil {
			t.panicked = p
		}
	}()
	t.result, t.err = t.fn()
}
