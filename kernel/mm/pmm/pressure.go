package pmm

import (
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
)

// RegisterPurgeable adds p to the set of objects that are asked to release
// their volatile frames when the allocator runs out of memory.
func (alloc *Allocator) RegisterPurgeable(p mm.Purgeable) {
	alloc.lock.Acquire()
	alloc.purgeables = append(alloc.purgeables, p)
	alloc.lock.Release()
}

// UnregisterPurgeable removes p from the memory pressure set.
func (alloc *Allocator) UnregisterPurgeable(p mm.Purgeable) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for index, candidate := range alloc.purgeables {
		if candidate == p {
			alloc.purgeables = append(alloc.purgeables[:index], alloc.purgeables[index+1:]...)
			return
		}
	}
}

// reclaimVolatileFrames asks every registered purgeable object to give up its
// frames and returns the number of frames that were released.
//
// The allocator lock must not be held by the caller; purging an object
// releases its frames back to the allocator.
func (alloc *Allocator) reclaimVolatileFrames() int {
	alloc.lock.Acquire()
	candidates := make([]mm.Purgeable, len(alloc.purgeables))
	copy(candidates, alloc.purgeables)
	alloc.lock.Release()

	var reclaimed int
	for _, p := range candidates {
		reclaimed += p.PurgeIfVolatile()
	}

	if reclaimed != 0 {
		kfmt.Printf("[pmm] reclaimed %d frames from volatile objects\n", reclaimed)
	}

	return reclaimed
}
