package pmm

import (
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
)

// CommittedFrames is a reservation of frames returned by
// Allocator.CommitFrames. The reserved frames count against the allocator's
// budget until they are either taken out of the reservation or released.
//
// CommittedFrames is not safe for concurrent use.
type CommittedFrames struct {
	alloc *Allocator
	count uint32
}

// TakeOne allocates a zero-filled frame out of the reservation. Taking a
// frame out of an empty reservation is a contract violation that causes a
// kernel panic.
func (c *CommittedFrames) TakeOne() mm.Frame {
	if c.count == 0 {
		kfmt.Panic(errReservationExhausted)
	}

	c.count--
	return c.alloc.takeCommitted()
}

// UncommitOne returns one frame of the reservation to the allocator's
// uncommitted budget.
func (c *CommittedFrames) UncommitOne() {
	if c.count == 0 {
		kfmt.Panic(errReservationExhausted)
	}

	c.count--
	c.alloc.uncommit(1)
}

// Len returns the number of frames left in the reservation.
func (c *CommittedFrames) Len() uint32 {
	return c.count
}

// Release returns all frames left in the reservation to the allocator.
// Calling Release on an empty reservation has no effect.
func (c *CommittedFrames) Release() {
	if c.count == 0 {
		return
	}

	c.alloc.uncommit(c.count)
	c.count = 0
}
