// Copyright 2026 The Sotto Authors
// SPDX-License-Identifier: Apache-2.0

package call

import "sync"

// executor is the per-session serialized task queue. Every event that
// touches call state — signaling messages, timer firings, user
// actions, media callbacks — is submitted here and runs on a single
// goroutine, one task at a time, in submission order, never
// re-entrantly. That single-writer discipline is what lets the session
// and peer structs go lock-free.
//
// The queue is unbounded: producers (transport delivery, pion
// callbacks) must never block, and per-call event volume is small.
type executor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func newExecutor() *executor {
	x := &executor{done: make(chan struct{})}
	x.cond = sync.NewCond(&x.mu)
	go x.run()
	return x
}

// submit enqueues a task. Returns false after shutdown, in which case
// the task will never run.
func (x *executor) submit(task func()) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopped {
		return false
	}
	x.queue = append(x.queue, task)
	x.cond.Signal()
	return true
}

// shutdown stops the executor after the tasks already queued have run.
// Idempotent. Must not be called from inside a task — tasks use
// shutdownAsync.
func (x *executor) shutdown() {
	x.shutdownAsync()
	<-x.done
}

// shutdownAsync requests shutdown without waiting for the queue to
// drain. Safe to call from inside a task.
func (x *executor) shutdownAsync() {
	x.mu.Lock()
	if !x.stopped {
		x.stopped = true
		x.cond.Signal()
	}
	x.mu.Unlock()
}

func (x *executor) run() {
	defer close(x.done)
	for {
		x.mu.Lock()
		for len(x.queue) == 0 && !x.stopped {
			x.cond.Wait()
		}
		if len(x.queue) == 0 && x.stopped {
			x.mu.Unlock()
			return
		}
		task := x.queue[0]
		x.queue = x.queue[1:]
		x.mu.Unlock()

		task()
	}
}
