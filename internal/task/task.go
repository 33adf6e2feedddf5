// Package task implements the cooperative scheduling primitive the session
// engine uses to write each lobby operation (login, create-game, join-game,
// list-games) as ordinary blocking-looking Go code, while still only ever
// running one step of it per caller-driven tick.
//
// This replaces the original C implementation's stackful coroutine library
// with a goroutine paired with two unbuffered, strictly-alternating
// channels — the idiomatic Go rendition of Design Note "Coroutine rewrite":
// an async task polled against a tiny single-threaded executor whose wake
// signal is the next Resume call.
package task

import "sync/atomic"

// Task is one cooperatively-scheduled operation. The zero value is not
// usable; construct with New.
type Task struct {
	resumeCh chan struct{}
	yieldCh  chan struct{}

	cancelled atomic.Bool
	alive     atomic.Bool
}

// Entry is the body of a task. It must call t.Yield() at every point where
// it would otherwise block, and must check the return value of Yield and
// return immediately (without calling any further Task methods) once it
// reports cancellation.
type Entry func(t *Task)

// New starts entry on its own goroutine, parked before its first
// instruction until the first Resume call.
func New(entry Entry) *Task {
	t := &Task{
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan struct{}),
	}
	t.alive.Store(true)
	go func() {
		<-t.resumeCh
		entry(t)
		t.alive.Store(false)
		t.yieldCh <- struct{}{}
	}()
	return t
}

// Resume runs the task until its next Yield call or until it returns.
// It reports whether the task is still alive afterwards. Calling Resume on
// a task that has already finished is a no-op that returns false.
func (t *Task) Resume() bool {
	if !t.alive.Load() {
		return false
	}
	t.resumeCh <- struct{}{}
	<-t.yieldCh
	return t.alive.Load()
}

// Yield suspends the calling task body until the next Resume call, and
// reports whether the task has been cancelled in the meantime. A task that
// sees Cancelled() == true (directly, or via Yield's return value) must
// unwind without posting a result.
func (t *Task) Yield() (cancelled bool) {
	t.yieldCh <- struct{}{}
	<-t.resumeCh
	return t.cancelled.Load()
}

// Cancel requests that the task unwind at its next Yield. It does not
// interrupt the task synchronously; the caller must keep calling Resume
// until Alive() reports false.
func (t *Task) Cancel() { t.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Alive reports whether the task's entry function has not yet returned.
func (t *Task) Alive() bool { return t.alive.Load() }

// End cancels the task (if not already) and drains it to completion,
// resuming it until it reports not alive. Safe to call on an already
// finished task.
func (t *Task) End() {
	for t.Alive() {
		t.Cancel()
		t.Resume()
	}
}
