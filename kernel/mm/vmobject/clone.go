package vmobject

import (
	"weak"

	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
)

// TryClone creates a copy-on-write clone of the object, as used when a
// process forks.
//
// The clone shares every allocated frame of the object. Enough frames to
// duplicate each shared page once are committed up front and placed in a pool
// shared by both objects, so a later COW fault on either side cannot fail for
// lack of memory. If the commit fails, TryClone returns mm.ErrOutOfMemory and
// the object is left untouched.
//
// Cloning a volatile purgeable object yields an object that is already
// purged; its contents could be discarded at any time anyway.
func (o *Anonymous) TryClone() (*Anonymous, *kernel.Error) {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.purgeable && o.volatile {
		clone, err := NewPurgeableWithSize(o.Size(), StrategyNone)
		if err != nil {
			return nil, err
		}
		clone.volatile = true
		clone.wasPurged = true
		return clone, nil
	}

	var sharedPages uint32
	for _, frame := range o.pages {
		if !isZeroOrLazy(frame) {
			sharedPages++
		}
	}

	// Nothing to share; a fresh object behaves identically.
	if sharedPages == 0 {
		return newWithSize(o.Size(), StrategyNone, o.purgeable)
	}

	committed, err := mm.CommitFrames(sharedPages)
	if err != nil {
		kfmt.Printf("[vmobject] unable to commit %d frames for COW clone\n", sharedPages)
		return nil, err
	}

	// The commit succeeded; from here on nothing can fail.
	pages := make([]mm.Frame, len(o.pages))
	for i, frame := range o.pages {
		mm.RefFrame(frame)
		pages[i] = frame
	}

	pool := newSharedCommittedCOWPages(committed, o.pages)
	clone := newWithSharedCOW(o, pool, pages)
	clone.resetCOWBitmapLocked()
	o.resetCOWBitmapLocked()

	o.dropSharedCOWLocked()
	pool.ref()
	o.sharedCOW = pool

	// Lazily committed pages of the clone cannot draw from our reservation.
	if o.unusedCommitted != nil && o.unusedCommitted.Len() != 0 {
		zeroFrame := mm.SharedZeroFrame()
		for i, frame := range clone.pages {
			if frame.IsLazyCommitted() {
				clone.pages[i] = zeroFrame
			}
		}
	}

	if clone.purgeable {
		mm.RegisterPurgeable(clone)
	}
	o.cowChildren = append(o.cowChildren, weak.Make(clone))

	// Shared pages must now be mapped read-only in our regions.
	o.remapLocked()

	return clone, nil
}

// resetCOWBitmapLocked allocates the COW bitmap if needed and flags every
// page backed by a real frame.
func (o *Anonymous) resetCOWBitmapLocked() {
	if o.cowBitmap == nil {
		o.cowBitmap = newCOWBitmap(len(o.pages))
	}

	for i, frame := range o.pages {
		o.cowBitmap.set(i, !isZeroOrLazy(frame))
	}
}

// COWParent returns the object this object was cloned from or nil if the
// object is not a clone or its parent no longer exists.
func (o *Anonymous) COWParent() *Anonymous {
	parent := o.cowParent.Value()
	if parent == nil {
		return nil
	}

	parent.lock.Acquire()
	defer parent.lock.Release()
	if parent.released {
		return nil
	}
	return parent
}
