package vmobject

import (
	"anonmem/kernel/mm"
	"anonmem/kernel/sync"
)

// sharedCommittedCOWPages is a frame reservation shared between a COW parent
// and its clone. It holds one frame for each page that was shared when the
// clone was created; whichever side writes to such a page first draws the
// frame for its copy. When a page stops being shared without a copy (e.g.
// the other side went away) its frame is handed back to the allocator.
//
// The remainder of the reservation is released when the last holder drops
// its reference.
type sharedCommittedCOWPages struct {
	lock     sync.Spinlock
	refCount int

	committed mm.FrameReservation

	// settled flags the pages whose frame has already been drawn or
	// handed back, as well as the pages that were never shared.
	settled *cowBitmap
}

// newSharedCommittedCOWPages wraps committed in a pool holding a single
// reference. pages is the page array of the cloned object.
func newSharedCommittedCOWPages(committed mm.FrameReservation, pages []mm.Frame) *sharedCommittedCOWPages {
	settled := newCOWBitmap(len(pages))
	for i, frame := range pages {
		settled.set(i, isZeroOrLazy(frame))
	}

	return &sharedCommittedCOWPages{
		refCount:  1,
		committed: committed,
		settled:   settled,
	}
}

func (p *sharedCommittedCOWPages) ref() {
	p.lock.Acquire()
	p.refCount++
	p.lock.Release()
}

func (p *sharedCommittedCOWPages) unref() {
	p.lock.Acquire()
	p.refCount--
	last := p.refCount == 0
	p.lock.Release()

	if last {
		p.committed.Release()
	}
}

func (p *sharedCommittedCOWPages) isEmpty() bool {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.committed.Len() == 0
}

// takeOne allocates a zero-filled frame for duplicating pageIndex. It returns
// false if the frame reserved for the page was already used.
func (p *sharedCommittedCOWPages) takeOne(pageIndex int) (mm.Frame, bool) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.settled.get(pageIndex) || p.committed.Len() == 0 {
		return mm.InvalidFrame, false
	}

	p.settled.set(pageIndex, true)
	return p.committed.TakeOne(), true
}

// uncommitOne hands back the frame reserved for pageIndex if it was not used.
func (p *sharedCommittedCOWPages) uncommitOne(pageIndex int) {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.settled.get(pageIndex) || p.committed.Len() == 0 {
		return
	}

	p.settled.set(pageIndex, true)
	p.committed.UncommitOne()
}
