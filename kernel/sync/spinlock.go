// Package sync provides synchronization primitive implementations for spinlocks
// and semaphore.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// attemptsBeforeYielding is the number of failed acquisition attempts
	// after which Acquire yields the CPU before spinning again.
	attemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked by Acquire after attemptsBeforeYielding failed
	// attempts. It is mocked by tests.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for {
		for attempt := 0; attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
				return
			}
		}

		yieldFn()
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
