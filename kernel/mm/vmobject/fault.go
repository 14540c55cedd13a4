package vmobject

import (
	"unsafe"

	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"

	"gvisor.dev/gvisor/pkg/safecopy"
	"gvisor.dev/gvisor/pkg/safemem"
)

var (
	// copyPageFn copies a page worth of data from srcAddr into the frame
	// dst and returns the number of bytes copied. It is overridden by tests.
	copyPageFn = defaultCopyPageFn
)

// defaultCopyPageFn reads the source through safecopy so a fault on an
// unmapped or truncated source page is reported as an error instead of
// crashing the copying thread.
func defaultCopyPageFn(dst mm.Frame, srcAddr uintptr) (uintptr, error) {
	dsts := safemem.BlockSeqOf(safemem.BlockFromSafePointer(unsafe.Pointer(mm.FrameAddress(dst)), int(mm.PageSize)))
	srcs := safemem.BlockSeqOf(safemem.BlockFromUnsafePointer(unsafe.Pointer(srcAddr), int(mm.PageSize)))

	copied, err := safemem.CopySeq(dsts, srcs)
	return uintptr(copied), err
}

// ShouldCOW returns true if the page at pageIndex must be mapped read-only
// in a mapping with the given sharing mode. Placeholder pages are always
// read-only; writes to them are resolved by HandleZeroFault.
func (o *Anonymous) ShouldCOW(pageIndex int, isShared bool) bool {
	o.checkPageIndex(pageIndex)

	o.lock.Acquire()
	defer o.lock.Release()
	return o.shouldCOWLocked(pageIndex, isShared)
}

func (o *Anonymous) shouldCOWLocked(pageIndex int, isShared bool) bool {
	if isZeroOrLazy(o.pages[pageIndex]) {
		return true
	}

	if isShared {
		return false
	}

	return o.cowBitmap != nil && o.cowBitmap.get(pageIndex)
}

func (o *Anonymous) setShouldCOWLocked(pageIndex int, cow bool) {
	if o.cowBitmap == nil {
		if !cow {
			return
		}
		o.cowBitmap = newCOWBitmap(len(o.pages))
	}
	o.cowBitmap.set(pageIndex, cow)
}

// HandleCOWFault resolves a write fault on a page flagged for duplication.
// faultAddr is the page-aligned address through which the current contents
// of the page can be read.
//
// If the object is the only holder of the frame the page simply becomes
// writable. Otherwise the contents are copied into a frame drawn from the
// shared COW pool or, failing that, allocated on the spot. Once the copy is
// installed, a COW relative left as the sole holder of the old frame gets its
// page unflagged as well.
func (o *Anonymous) HandleCOWFault(pageIndex int, faultAddr uintptr) PageFaultResponse {
	o.checkPageIndex(pageIndex)

	o.lock.Acquire()
	response, oldFrame, duplicated := o.handleCOWFaultLocked(pageIndex, faultAddr)
	var relatives []*Anonymous
	if duplicated {
		relatives = o.cowRelativesLocked()
	}
	o.lock.Release()

	for _, relative := range relatives {
		relative.settleSharedPage(pageIndex, oldFrame)
	}

	return response
}

func (o *Anonymous) handleCOWFaultLocked(pageIndex int, faultAddr uintptr) (PageFaultResponse, mm.Frame, bool) {
	if o.volatile {
		kfmt.Printf("[vmobject] COW fault on page %d of volatile object\n", pageIndex)
		return ShouldCrash, mm.InvalidFrame, false
	}

	if o.sharedCOW != nil && o.sharedCOW.isEmpty() {
		o.dropSharedCOWLocked()
	}

	oldFrame := o.pages[pageIndex]
	if mm.FrameRefCount(oldFrame) == 1 {
		o.claimExclusivePageLocked(pageIndex)
		return Continue, oldFrame, false
	}

	var (
		newFrame mm.Frame
		ok       bool
	)
	if o.sharedCOW != nil {
		newFrame, ok = o.sharedCOW.takeOne(pageIndex)
	}
	if !ok {
		var err *kernel.Error
		if newFrame, err = mm.AllocFrame(false); err != nil {
			kfmt.Printf("[vmobject] unable to allocate frame for COW fault on page %d\n", pageIndex)
			return OutOfMemory, oldFrame, false
		}
	}

	if copied, err := copyPageFn(newFrame, faultAddr); err != nil {
		if _, ok := err.(safecopy.BusError); ok {
			kfmt.Printf("[vmobject] bus error while copying page %d from 0x%x\n", pageIndex, faultAddr)
		}
		kfmt.Printf("[vmobject] COW fault on page %d: copied %d of %d bytes from 0x%x: %v\n", pageIndex, copied, mm.PageSize, faultAddr, err)
		kfmt.Panic(errCOWCopyFailed)
	}

	mm.UnrefFrame(oldFrame)
	o.pages[pageIndex] = newFrame
	o.setShouldCOWLocked(pageIndex, false)
	return Continue, oldFrame, true
}

// claimExclusivePageLocked unflags a page whose frame is no longer shared and
// hands back the pool frame that was reserved for duplicating it.
func (o *Anonymous) claimExclusivePageLocked(pageIndex int) {
	o.setShouldCOWLocked(pageIndex, false)

	if o.sharedCOW != nil {
		o.sharedCOW.uncommitOne(pageIndex)
		if o.sharedCOW.isEmpty() {
			o.dropSharedCOWLocked()
		}
	}
}

// settleSharedPage is invoked on a COW relative after another object
// duplicated frame at pageIndex. If this object is now the only holder of the
// frame the page no longer needs duplication and is remapped writable.
func (o *Anonymous) settleSharedPage(pageIndex int, frame mm.Frame) {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.released || o.volatile || o.pages[pageIndex] != frame {
		return
	}

	if o.cowBitmap == nil || !o.cowBitmap.get(pageIndex) || mm.FrameRefCount(frame) != 1 {
		return
	}

	o.claimExclusivePageLocked(pageIndex)
	for _, m := range o.mappings {
		m.RemapPage(pageIndex, frame, o.shouldCOWLocked(pageIndex, m.IsShared()))
	}
}

// HandleZeroFault gives the page at pageIndex its own frame if it is
// currently backed by a placeholder. Lazily committed pages draw from the
// object's reservation; zero pages allocate a fresh frame.
func (o *Anonymous) HandleZeroFault(pageIndex int) PageFaultResponse {
	o.checkPageIndex(pageIndex)

	o.lock.Acquire()
	defer o.lock.Release()

	frame := o.pages[pageIndex]
	if !isZeroOrLazy(frame) {
		// Resolved by an earlier fault.
		return Continue
	}

	if frame.IsLazyCommitted() {
		frame = o.allocateCommittedPageLocked()
	} else {
		var err *kernel.Error
		if frame, err = mm.AllocFrame(true); err != nil {
			kfmt.Printf("[vmobject] unable to allocate frame for zero fault on page %d\n", pageIndex)
			return OutOfMemory
		}
	}

	o.pages[pageIndex] = frame
	o.setShouldCOWLocked(pageIndex, false)
	return Continue
}

// AllocateCommittedPage allocates a frame out of the object's own
// reservation. The object must hold at least one unused committed frame;
// callers use it to back a lazily committed page they are about to install.
func (o *Anonymous) AllocateCommittedPage() mm.Frame {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.allocateCommittedPageLocked()
}

func (o *Anonymous) allocateCommittedPageLocked() mm.Frame {
	if o.unusedCommitted == nil || o.unusedCommitted.Len() == 0 {
		kfmt.Panic(errNoCommittedPages)
	}

	return o.unusedCommitted.TakeOne()
}
