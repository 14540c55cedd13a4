package pmm

import (
	"math"
	"unsafe"

	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
	"anonmem/kernel/sync"
)

var (
	errPoolTooSmall         = &kernel.Error{Module: "pmm", Message: "frame pool must contain at least two frames"}
	errInvalidFrameCount    = &kernel.Error{Module: "pmm", Message: "frame count must be greater than zero"}
	errFrameNotAllocated    = &kernel.Error{Module: "pmm", Message: "attempt to release a frame that is not allocated"}
	errReservationExhausted = &kernel.Error{Module: "pmm", Message: "frame reservation exhausted"}
)

// Stats is a snapshot of the allocator accounting counters.
type Stats struct {
	// TotalFrames is the number of frames managed by the allocator,
	// including the shared zero frame.
	TotalFrames uint32

	// UsedFrames is the number of frames currently allocated.
	UsedFrames uint32

	// CommittedFrames is the number of frames promised to reservations but
	// not yet allocated.
	CommittedFrames uint32

	// UncommittedFrames is the number of frames that can still be
	// committed or allocated without a reservation.
	UncommittedFrames uint32
}

// Allocator implements a physical frame allocator that tracks a single pool of
// frames using a bitmap and keeps a reference count for each allocated frame.
//
// Frame contents are backed by a host memory arena that serves as the
// kernel's direct map; FrameAddress translates a pool frame into its address
// inside the arena.
//
// Every frame is accounted for exactly once as used, committed or
// uncommitted. Commits and allocations that do not draw from a reservation
// are only granted out of the uncommitted budget so a reservation can always
// be honored.
type Allocator struct {
	lock sync.Spinlock

	pool framePool

	// refCounts holds the reference count of each pool frame.
	refCounts []uint32

	// foreignRefs tracks reference counts for frames that do not belong to
	// the pool (e.g. device memory). These frames are never freed.
	foreignRefs map[mm.Frame]uint32

	// memory is the arena backing the frame contents. memoryBase is the
	// page-aligned address of the first pool frame inside the arena.
	memory     []byte
	memoryBase uintptr

	usedFrames      uint32
	committedFrames uint32

	// zeroFrame is allocated when the allocator is created, cleared and
	// never released.
	zeroFrame mm.Frame

	// purgeables are asked to release their frames when the allocator
	// runs out of uncommitted frames.
	purgeables []mm.Purgeable
}

// New creates an allocator that manages pageCount frames starting at
// startFrame. The first frame of the pool is set aside as the shared zero
// frame.
func New(startFrame mm.Frame, pageCount uint32) (*Allocator, *kernel.Error) {
	if pageCount < 2 {
		return nil, errPoolTooSmall
	}

	alloc := &Allocator{
		pool:        newFramePool(startFrame, pageCount),
		refCounts:   make([]uint32, pageCount),
		foreignRefs: make(map[mm.Frame]uint32),
		// Allocate an extra page so the arena can be page-aligned
		memory: make([]byte, (uintptr(pageCount)+1)*mm.PageSize),
	}
	alloc.memoryBase = (uintptr(unsafe.Pointer(&alloc.memory[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)

	alloc.zeroFrame, _ = alloc.allocLocked(true)
	return alloc, nil
}

// SharedZeroFrame returns the read-only zero-filled frame.
func (alloc *Allocator) SharedZeroFrame() mm.Frame {
	return alloc.zeroFrame
}

// Stats returns a snapshot of the allocator counters.
func (alloc *Allocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames:       alloc.pool.size(),
		UsedFrames:        alloc.usedFrames,
		CommittedFrames:   alloc.committedFrames,
		UncommittedFrames: alloc.uncommittedLocked(),
	}
}

// CommitFrames reserves count frames. The frames are taken out of the
// uncommitted budget immediately but are only allocated when they are taken
// out of the returned reservation.
//
// If not enough uncommitted frames are available, CommitFrames asks the
// registered purgeable objects to release their volatile frames and tries
// once more before failing with mm.ErrOutOfMemory.
func (alloc *Allocator) CommitFrames(count uint32) (mm.FrameReservation, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		alloc.lock.Acquire()
		if alloc.uncommittedLocked() >= count {
			alloc.committedFrames += count
			alloc.lock.Release()
			return &CommittedFrames{alloc: alloc, count: count}, nil
		}
		available := alloc.uncommittedLocked()
		alloc.lock.Release()

		if attempt > 0 || alloc.reclaimVolatileFrames() == 0 {
			kfmt.Printf("[pmm] unable to commit %d frames; %d uncommitted frames left\n", count, available)
			return nil, mm.ErrOutOfMemory
		}
	}
}

// AllocFrame allocates a frame out of the uncommitted budget.
func (alloc *Allocator) AllocFrame(zeroFill bool) (mm.Frame, *kernel.Error) {
	for attempt := 0; ; attempt++ {
		alloc.lock.Acquire()
		if alloc.uncommittedLocked() > 0 {
			frame, _ := alloc.allocLocked(zeroFill)
			alloc.lock.Release()
			return frame, nil
		}
		alloc.lock.Release()

		if attempt > 0 || alloc.reclaimVolatileFrames() == 0 {
			kfmt.Printf("[pmm] unable to allocate frame\n")
			return mm.InvalidFrame, mm.ErrOutOfMemory
		}
	}
}

// AllocContiguousFrames allocates count physically contiguous zero-filled
// frames out of the uncommitted budget and returns the first one.
func (alloc *Allocator) AllocContiguousFrames(count uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errInvalidFrameCount
	}

	for attempt := 0; ; attempt++ {
		alloc.lock.Acquire()
		if alloc.uncommittedLocked() >= count {
			if first, ok := alloc.pool.findFreeRun(count); ok {
				for frame := first; frame < first+mm.Frame(count); frame++ {
					alloc.claimLocked(frame, true)
				}
				alloc.lock.Release()
				return first, nil
			}
		}
		alloc.lock.Release()

		if attempt > 0 || alloc.reclaimVolatileFrames() == 0 {
			kfmt.Printf("[pmm] unable to allocate %d contiguous frames\n", count)
			return mm.InvalidFrame, mm.ErrOutOfMemory
		}
	}
}

// RefFrame increments the reference count of frame. The shared zero frame and
// the lazy-committed placeholder are not reference counted.
func (alloc *Allocator) RefFrame(frame mm.Frame) {
	if alloc.isSpecial(frame) {
		return
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.pool.contains(frame) {
		alloc.foreignRefs[frame]++
		return
	}

	alloc.refCounts[frame-alloc.pool.startFrame]++
}

// UnrefFrame decrements the reference count of frame. Pool frames whose count
// drops to zero are returned to the free pool; frames outside the pool are
// only forgotten.
func (alloc *Allocator) UnrefFrame(frame mm.Frame) {
	if alloc.isSpecial(frame) {
		return
	}

	alloc.lock.Acquire()

	if !alloc.pool.contains(frame) {
		if alloc.foreignRefs[frame]--; alloc.foreignRefs[frame] == 0 {
			delete(alloc.foreignRefs, frame)
		}
		alloc.lock.Release()
		return
	}

	rel := frame - alloc.pool.startFrame
	if alloc.refCounts[rel] == 0 {
		alloc.lock.Release()
		kfmt.Panic(errFrameNotAllocated)
		return
	}

	if alloc.refCounts[rel]--; alloc.refCounts[rel] == 0 {
		alloc.pool.markFrame(frame, false)
		alloc.usedFrames--
	}
	alloc.lock.Release()
}

// FrameRefCount returns the reference count of frame. The shared zero frame
// and the lazy-committed placeholder report math.MaxUint32.
func (alloc *Allocator) FrameRefCount(frame mm.Frame) uint32 {
	if alloc.isSpecial(frame) {
		return math.MaxUint32
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if !alloc.pool.contains(frame) {
		return alloc.foreignRefs[frame]
	}

	return alloc.refCounts[frame-alloc.pool.startFrame]
}

// FrameAddress returns the direct-mapped address of a pool frame or 0 if the
// frame does not belong to the pool.
func (alloc *Allocator) FrameAddress(frame mm.Frame) uintptr {
	if !alloc.pool.contains(frame) {
		return 0
	}

	return alloc.memoryBase + uintptr(frame-alloc.pool.startFrame)<<mm.PageShift
}

// takeCommitted allocates a zero-filled frame out of a reservation.
func (alloc *Allocator) takeCommitted() mm.Frame {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.committedFrames--
	frame, _ := alloc.allocLocked(true)
	return frame
}

// uncommit returns count committed frames to the uncommitted budget.
func (alloc *Allocator) uncommit(count uint32) {
	alloc.lock.Acquire()
	alloc.committedFrames -= count
	alloc.lock.Release()
}

func (alloc *Allocator) uncommittedLocked() uint32 {
	return alloc.pool.size() - alloc.usedFrames - alloc.committedFrames
}

// allocLocked reserves the next free pool frame. Callers must have checked
// that the frame is covered by the accounting budget.
func (alloc *Allocator) allocLocked(zeroFill bool) (mm.Frame, bool) {
	frame, ok := alloc.pool.findFree()
	if !ok {
		return mm.InvalidFrame, false
	}

	alloc.claimLocked(frame, zeroFill)
	return frame, true
}

func (alloc *Allocator) claimLocked(frame mm.Frame, zeroFill bool) {
	alloc.pool.markFrame(frame, true)
	alloc.refCounts[frame-alloc.pool.startFrame] = 1
	alloc.usedFrames++

	if zeroFill {
		kernel.Memset(alloc.FrameAddress(frame), 0, mm.PageSize)
	}
}

func (alloc *Allocator) isSpecial(frame mm.Frame) bool {
	return frame == alloc.zeroFrame || frame == mm.LazyCommittedFrame || frame == mm.InvalidFrame
}
