package sync

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	// Substitute the yieldFn with runtime.Gosched to avoid deadlocks while testing
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()

	if !sl.TryToAcquire() {
		t.Error("expected TryToAcquire to return true when lock is free")
	}
	sl.Release()
}

func TestSpinlockMutualExclusion(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		counter    int
		numWorkers = 8
		numIters   = 1000
	)

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < numIters; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
		}()
	}
	wg.Wait()

	if exp := numWorkers * numIters; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}
