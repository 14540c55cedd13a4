// Package vmobject implements anonymous memory objects: the entities that back
// private, non file-backed memory regions with physical frames.
//
// An object owns one frame slot per page. A slot either points to the shared
// zero frame (nothing was ever written), to mm.LazyCommittedFrame (a frame
// was committed for the page but not allocated yet) or to a real, reference
// counted frame. Forking a region clones its object; parent and clone share
// their frames copy-on-write and the pages that need to be duplicated before
// they can be written are tracked by a lazily allocated COW bitmap.
//
// Lock ordering: object -> shared COW pool -> physical allocator. No object
// lock is ever acquired while another object lock is held; teardown detaches
// from the COW parent only after releasing the lock of the dying object.
package vmobject

import (
	"math"
	"weak"

	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
	"anonmem/kernel/sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// AllocationStrategy controls how frames are provided to a new object.
type AllocationStrategy uint8

const (
	// StrategyNone maps every page to the shared zero frame. Frames are
	// allocated on first write without any prior reservation.
	StrategyNone AllocationStrategy = iota

	// StrategyReserve commits a frame for each page up front; frames are
	// allocated out of the reservation on first access.
	StrategyReserve

	// StrategyAllocateNow commits and allocates a zero-filled frame for
	// each page when the object is created.
	StrategyAllocateNow
)

// MemoryType describes the caching behavior required by the memory backing
// an object.
type MemoryType uint8

const (
	// MemoryNormal is regular cacheable RAM.
	MemoryNormal MemoryType = iota

	// MemoryNonCacheable is RAM that must not be cached (e.g. DMA buffers).
	MemoryNonCacheable

	// MemoryIO is memory-mapped device memory.
	MemoryIO
)

// Kind identifies the flavor of an anonymous object.
type Kind uint8

const (
	// KindAnonymous objects are backed by frames allocated on demand.
	KindAnonymous Kind = iota

	// KindContiguous objects are backed by a single run of frames.
	KindContiguous

	// KindPhysicalRange objects are pinned to caller-specified frames.
	KindPhysicalRange
)

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	switch k {
	case KindContiguous:
		return "contiguous"
	case KindPhysicalRange:
		return "physical-range"
	default:
		return "anonymous"
	}
}

// PageFaultResponse is returned by the fault handlers to tell the region layer
// how to proceed.
type PageFaultResponse uint8

const (
	// Continue indicates that the fault was resolved and the faulting
	// instruction may be retried.
	Continue PageFaultResponse = iota

	// ShouldCrash indicates that the faulting process violated its memory
	// contract and must be terminated. The object state is untouched.
	ShouldCrash

	// OutOfMemory indicates that a frame could not be allocated to
	// resolve the fault.
	OutOfMemory
)

// String implements fmt.Stringer for PageFaultResponse.
func (r PageFaultResponse) String() string {
	switch r {
	case Continue:
		return "continue"
	case ShouldCrash:
		return "should-crash"
	default:
		return "out-of-memory"
	}
}

// Mapping is implemented by the region layer for each region that maps an
// object. RemapPage is invoked while the object lock is held; implementations
// must not call back into the object.
type Mapping interface {
	// IsShared returns true if writes through this mapping are visible to
	// every other mapping of the object.
	IsShared() bool

	// RemapPage updates the page table entry for pageIndex so it points
	// to frame. If cow is true the page must be mapped read-only.
	RemapPage(pageIndex int, frame mm.Frame, cow bool)
}

var (
	// ErrInvalidOperation is raised (via kfmt.Panic) when purge or volatile
	// toggling is requested on an object that is not purgeable.
	ErrInvalidOperation = &kernel.Error{Module: "vmobject", Message: "operation requires a purgeable object"}

	errZeroSize          = &kernel.Error{Module: "vmobject", Message: "object size must be greater than zero"}
	errNoCommittedPages  = &kernel.Error{Module: "vmobject", Message: "object holds no committed pages"}
	errReleaseUnderflow  = &kernel.Error{Module: "vmobject", Message: "object released more times than referenced"}
	errCOWCopyFailed     = &kernel.Error{Module: "vmobject", Message: "unable to copy page contents while resolving COW fault"}
	errPageIndexOutRange = &kernel.Error{Module: "vmobject", Message: "page index out of range"}
)

// Anonymous is an anonymous memory object.
type Anonymous struct {
	lock sync.Spinlock

	// refCount is the number of owners (typically regions) holding the
	// object. The last Release tears the object down.
	refCount atomicbitops.Int32

	kind       Kind
	memoryType MemoryType

	// pages holds one frame slot per page. Its length never changes.
	pages []mm.Frame

	// purgeable is set at creation; only purgeable objects may become
	// volatile.
	purgeable bool
	volatile  bool

	// wasPurged is set when a purge replaces the object's frames and is
	// cleared when the object stops being volatile.
	wasPurged bool

	// cowBitmap is nil for objects that never took part in a clone.
	cowBitmap *cowBitmap

	// cowParent points to the object this object was cloned from.
	cowParent weak.Pointer[Anonymous]

	// cowChildren holds the clones created by TryClone.
	cowChildren []weak.Pointer[Anonymous]

	// sharedCOW is the reservation shared with the COW parent or clone
	// that is used to duplicate shared pages.
	sharedCOW *sharedCommittedCOWPages

	// unusedCommitted holds the frames committed by this object that have
	// not been allocated yet.
	unusedCommitted mm.FrameReservation

	mappings []Mapping
	released bool
}

// NewWithSize creates an anonymous object large enough to hold size bytes.
// Reserve and AllocateNow strategies fail with mm.ErrOutOfMemory if the
// allocator cannot commit a frame for every page.
func NewWithSize(size uintptr, strategy AllocationStrategy) (*Anonymous, *kernel.Error) {
	return newWithSize(size, strategy, false)
}

// NewPurgeableWithSize works like NewWithSize but the returned object may be
// made volatile and purged.
func NewPurgeableWithSize(size uintptr, strategy AllocationStrategy) (*Anonymous, *kernel.Error) {
	return newWithSize(size, strategy, true)
}

func newWithSize(size uintptr, strategy AllocationStrategy, purgeable bool) (*Anonymous, *kernel.Error) {
	pageCount, err := pageCountFor(size)
	if err != nil {
		return nil, err
	}

	var committed mm.FrameReservation
	if strategy == StrategyReserve || strategy == StrategyAllocateNow {
		if committed, err = mm.CommitFrames(pageCount); err != nil {
			return nil, err
		}
	}

	obj := newObject(KindAnonymous, int(pageCount))
	obj.purgeable = purgeable

	switch strategy {
	case StrategyAllocateNow:
		// All frames were committed above so TakeOne cannot fail.
		for i := range obj.pages {
			obj.pages[i] = committed.TakeOne()
		}
	case StrategyReserve:
		obj.fill(mm.LazyCommittedFrame)
		obj.unusedCommitted = committed
	default:
		obj.fill(mm.SharedZeroFrame())
	}

	if purgeable {
		mm.RegisterPurgeable(obj)
	}

	return obj, nil
}

// NewPhysicallyContiguousWithSize creates an object backed by a single run of
// physically contiguous, zero-filled frames.
func NewPhysicallyContiguousWithSize(size uintptr, memoryType MemoryType) (*Anonymous, *kernel.Error) {
	pageCount, err := pageCountFor(size)
	if err != nil {
		return nil, err
	}

	first, err := mm.AllocContiguousFrames(pageCount)
	if err != nil {
		return nil, err
	}

	obj := newObject(KindContiguous, int(pageCount))
	obj.memoryType = memoryType
	for i := range obj.pages {
		obj.pages[i] = first + mm.Frame(i)
	}

	return obj, nil
}

// NewForPhysicalRange creates an object whose pages are pinned to the frames
// that start at physAddr. It fails with mm.ErrOutOfMemory if the range would
// wrap around the end of the address space.
func NewForPhysicalRange(physAddr, size uintptr) (*Anonymous, *kernel.Error) {
	if physAddr+size < physAddr {
		kfmt.Printf("[vmobject] physical range 0x%x + 0x%x would wrap around\n", physAddr, size)
		return nil, mm.ErrOutOfMemory
	}

	pageCount, err := pageCountFor(size)
	if err != nil {
		return nil, err
	}

	obj := newObject(KindPhysicalRange, int(pageCount))
	firstFrame := mm.FrameFromAddress(physAddr)
	for i := range obj.pages {
		obj.pages[i] = firstFrame + mm.Frame(i)
		mm.RefFrame(obj.pages[i])
	}

	return obj, nil
}

// newWithSharedCOW creates a COW clone of parent that shares pool with it.
// Ownership of pages and of the caller's pool reference is transferred to the
// clone.
func newWithSharedCOW(parent *Anonymous, pool *sharedCommittedCOWPages, pages []mm.Frame) *Anonymous {
	obj := newObject(KindAnonymous, 0)
	obj.pages = pages
	obj.memoryType = parent.memoryType
	obj.purgeable = parent.purgeable
	obj.cowParent = weak.Make(parent)
	obj.sharedCOW = pool
	return obj
}

func newObject(kind Kind, pageCount int) *Anonymous {
	return &Anonymous{
		refCount: atomicbitops.FromInt32(1),
		kind:     kind,
		pages:    make([]mm.Frame, pageCount),
	}
}

func pageCountFor(size uintptr) (uint32, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}

	if size > ^uintptr(0)-mm.PageSize {
		return 0, mm.ErrOutOfMemory
	}

	pageCount := mm.PageCount(size)
	if pageCount > math.MaxUint32 {
		return 0, mm.ErrOutOfMemory
	}

	return uint32(pageCount), nil
}

func (o *Anonymous) fill(frame mm.Frame) {
	for i := range o.pages {
		o.pages[i] = frame
	}
}

// Kind returns the flavor of the object.
func (o *Anonymous) Kind() Kind { return o.kind }

// MemoryType returns the memory type of the object.
func (o *Anonymous) MemoryType() MemoryType { return o.memoryType }

// PageCount returns the number of pages covered by the object.
func (o *Anonymous) PageCount() int { return len(o.pages) }

// Size returns the object size in bytes.
func (o *Anonymous) Size() uintptr { return uintptr(len(o.pages)) << mm.PageShift }

// IsPurgeable returns true if the object may be made volatile.
func (o *Anonymous) IsPurgeable() bool { return o.purgeable }

// IsVolatile returns true if the object's frames may currently be purged.
func (o *Anonymous) IsVolatile() bool {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.volatile
}

// WasPurged returns true if the object was purged since it last became
// non-volatile.
func (o *Anonymous) WasPurged() bool {
	o.lock.Acquire()
	defer o.lock.Release()
	return o.wasPurged
}

// PhysicalPage returns the frame slot for pageIndex.
func (o *Anonymous) PhysicalPage(pageIndex int) mm.Frame {
	o.checkPageIndex(pageIndex)

	o.lock.Acquire()
	defer o.lock.Release()
	return o.pages[pageIndex]
}

// COWPages returns the number of pages flagged for duplication.
func (o *Anonymous) COWPages() int {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.cowBitmap == nil {
		return 0
	}
	return o.cowBitmap.count()
}

// AddMapping registers m so it gets notified when the object frames change.
func (o *Anonymous) AddMapping(m Mapping) {
	o.lock.Acquire()
	o.mappings = append(o.mappings, m)
	o.lock.Release()
}

// RemoveMapping unregisters a mapping previously added with AddMapping.
func (o *Anonymous) RemoveMapping(m Mapping) {
	o.lock.Acquire()
	defer o.lock.Release()

	for index, candidate := range o.mappings {
		if candidate == m {
			o.mappings = append(o.mappings[:index], o.mappings[index+1:]...)
			return
		}
	}
}

// SyncMapping invokes m.RemapPage with the current frame and COW state of
// pageIndex.
func (o *Anonymous) SyncMapping(m Mapping, pageIndex int) {
	o.checkPageIndex(pageIndex)

	o.lock.Acquire()
	defer o.lock.Release()
	m.RemapPage(pageIndex, o.pages[pageIndex], o.shouldCOWLocked(pageIndex, m.IsShared()))
}

// Ref adds an owner to the object.
func (o *Anonymous) Ref() {
	o.refCount.Add(1)
}

// Release drops an owner. When the last owner releases the object, its frames
// and reservations are returned to the allocator and any shared COW pool that
// becomes unreachable is detached from the COW parent.
func (o *Anonymous) Release() {
	switch refs := o.refCount.Add(-1); {
	case refs > 0:
		return
	case refs < 0:
		kfmt.Panic(errReleaseUnderflow)
	}

	o.teardown()
}

func (o *Anonymous) teardown() {
	o.lock.Acquire()
	o.released = true
	for i, frame := range o.pages {
		mm.UnrefFrame(frame)
		o.pages[i] = mm.InvalidFrame
	}
	unused, pool := o.unusedCommitted, o.sharedCOW
	o.unusedCommitted, o.sharedCOW = nil, nil
	o.cowBitmap = nil
	o.cowChildren = nil
	o.mappings = nil
	o.lock.Release()

	if o.purgeable {
		mm.UnregisterPurgeable(o)
	}

	if unused != nil {
		unused.Release()
	}

	if pool == nil {
		return
	}

	// If the pool still holds frames and the parent is still using it,
	// nobody else can draw from it once we are gone.
	if !pool.isEmpty() {
		if parent := o.cowParent.Value(); parent != nil {
			parent.detachSharedCOW(pool)
		}
	}
	pool.unref()
}

// detachSharedCOW drops the object's reference to pool if it is still the
// object's active shared COW pool.
func (o *Anonymous) detachSharedCOW(pool *sharedCommittedCOWPages) {
	o.lock.Acquire()
	defer o.lock.Release()

	if o.sharedCOW == pool {
		o.dropSharedCOWLocked()
	}
}

func (o *Anonymous) dropSharedCOWLocked() {
	if o.sharedCOW != nil {
		o.sharedCOW.unref()
		o.sharedCOW = nil
	}
}

// remapLocked refreshes every page of every registered mapping.
func (o *Anonymous) remapLocked() {
	for _, m := range o.mappings {
		shared := m.IsShared()
		for i, frame := range o.pages {
			m.RemapPage(i, frame, o.shouldCOWLocked(i, shared))
		}
	}
}

// cowRelativesLocked returns the live parent and clones of the object.
func (o *Anonymous) cowRelativesLocked() []*Anonymous {
	var relatives []*Anonymous
	if parent := o.cowParent.Value(); parent != nil {
		relatives = append(relatives, parent)
	}

	live := o.cowChildren[:0]
	for _, childRef := range o.cowChildren {
		if child := childRef.Value(); child != nil {
			relatives = append(relatives, child)
			live = append(live, childRef)
		}
	}
	o.cowChildren = live

	return relatives
}

func (o *Anonymous) checkPageIndex(pageIndex int) {
	if pageIndex < 0 || pageIndex >= len(o.pages) {
		kfmt.Panic(errPageIndexOutRange)
	}
}

// isZeroOrLazy returns true if frame is one of the placeholder frames that
// never need to be duplicated.
func isZeroOrLazy(frame mm.Frame) bool {
	return frame.IsLazyCommitted() || mm.IsSharedZeroFrame(frame)
}
