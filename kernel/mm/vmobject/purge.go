package vmobject

import (
	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
)

// Purge releases every frame of a volatile object, replacing it with the
// shared zero frame, and returns the number of frames released. Purging a
// non-volatile object is a no-op. Calling Purge on an object that is not
// purgeable causes a kernel panic.
func (o *Anonymous) Purge() int {
	if !o.purgeable {
		kfmt.Panic(ErrInvalidOperation)
	}

	o.lock.Acquire()
	defer o.lock.Release()
	return o.purgeLocked()
}

// PurgeIfVolatile implements mm.Purgeable. It is invoked by the physical
// allocator under memory pressure and skips the object if its lock is
// currently held.
func (o *Anonymous) PurgeIfVolatile() int {
	if !o.purgeable || !o.lock.TryToAcquire() {
		return 0
	}
	defer o.lock.Release()

	return o.purgeLocked()
}

func (o *Anonymous) purgeLocked() int {
	if !o.volatile || o.released {
		return 0
	}

	var (
		zeroFrame = mm.SharedZeroFrame()
		purged    int
	)
	for i, frame := range o.pages {
		if frame == zeroFrame {
			continue
		}
		mm.UnrefFrame(frame)
		o.pages[i] = zeroFrame
		purged++
	}

	o.wasPurged = true
	o.cowBitmap = nil
	o.remapLocked()
	return purged
}

// trimCOWBitmapLocked unflags the pages that are no longer shared with a COW
// relative and drops the bitmap once no page is left flagged. Pages that are
// still shared stay read-only so writes to them cannot leak into a relative.
func (o *Anonymous) trimCOWBitmapLocked() {
	if o.cowBitmap == nil {
		return
	}

	for i, frame := range o.pages {
		if o.cowBitmap.get(i) && mm.FrameRefCount(frame) == 1 {
			o.cowBitmap.set(i, false)
		}
	}

	if o.cowBitmap.count() == 0 {
		o.cowBitmap = nil
	}
}

// SetVolatile toggles the volatile state of a purgeable object and returns
// whether the object was purged before the call.
//
// A volatile object gives up its reservations and its frames may be purged at
// any time. Entering the volatile state only unflags the COW pages that are
// exclusively held by the object; pages still shared with a COW relative keep
// their flag, and writing to one of them while the object is volatile is a
// fatal fault for the writer.
//
// Making the object non-volatile again commits a frame for every page that
// lost its contents; if the commit fails the object stays volatile and
// mm.ErrOutOfMemory is returned. Calling SetVolatile on an object that is not
// purgeable causes a kernel panic.
func (o *Anonymous) SetVolatile(volatile bool) (wasPurged bool, err *kernel.Error) {
	if !o.purgeable {
		kfmt.Panic(ErrInvalidOperation)
	}

	o.lock.Acquire()
	defer o.lock.Release()

	wasPurged = o.wasPurged
	if o.volatile == volatile {
		return wasPurged, nil
	}

	if volatile {
		zeroFrame := mm.SharedZeroFrame()
		for i, frame := range o.pages {
			if frame.IsLazyCommitted() {
				o.pages[i] = zeroFrame
			}
		}

		if o.unusedCommitted != nil {
			o.unusedCommitted.Release()
			o.unusedCommitted = nil
		}
		o.dropSharedCOWLocked()
		o.trimCOWBitmapLocked()

		o.volatile = true
		o.remapLocked()
		return wasPurged, nil
	}

	var zeroPages uint32
	for _, frame := range o.pages {
		if mm.IsSharedZeroFrame(frame) {
			zeroPages++
		}
	}

	if zeroPages != 0 {
		committed, err := mm.CommitFrames(zeroPages)
		if err != nil {
			return wasPurged, err
		}

		for i, frame := range o.pages {
			if mm.IsSharedZeroFrame(frame) {
				o.pages[i] = mm.LazyCommittedFrame
			}
		}
		o.unusedCommitted = committed
	}

	o.volatile = false
	o.wasPurged = false
	o.remapLocked()
	return wasPurged, nil
}
