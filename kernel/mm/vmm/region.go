package vmm

import (
	"unsafe"

	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
	"anonmem/kernel/mm/vmobject"
	"anonmem/kernel/sync"
)

const (
	// maxFaultRetries bounds the number of faults an access to a single
	// page may trigger before it is considered unrecoverable.
	maxFaultRetries = 4
)

var (
	errRegionNotAligned            = &kernel.Error{Module: "vmm", Message: "region base address must be page-aligned"}
	errRegionUnmapped              = &kernel.Error{Module: "vmm", Message: "region is not mapped"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errProtectionFault             = &kernel.Error{Module: "vmm", Message: "page protection violation"}
	errUnrecoverableFault          = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
	errNotDirectlyMapped           = &kernel.Error{Module: "vmm", Message: "frame contents are not accessible by the kernel"}
)

// Region maps an anonymous memory object at a page-aligned virtual address.
// It keeps a software page table with one entry per object page that mirrors
// what the MMU would see and resolves faults by calling into the object.
//
// The region lock is never held while calling into the mapped object.
type Region struct {
	lock sync.Spinlock

	base   uintptr
	shared bool

	// flags holds the access flags requested for the region
	// (FlagRW, FlagUserAccessible).
	flags PageTableEntryFlag

	memoryType vmobject.MemoryType
	object     *vmobject.Anonymous
	entries    []pageTableEntry
}

// Map creates a region that maps object at base. The region takes over the
// caller's reference to object. Shared regions observe each other's writes;
// private regions get copy-on-write semantics when the object is cloned.
func Map(base uintptr, object *vmobject.Anonymous, shared bool, flags PageTableEntryFlag) (*Region, *kernel.Error) {
	if base&(mm.PageSize-1) != 0 {
		return nil, errRegionNotAligned
	}

	r := &Region{
		base:       base,
		shared:     shared,
		flags:      flags & (FlagRW | FlagUserAccessible),
		memoryType: object.MemoryType(),
		object:     object,
		entries:    make([]pageTableEntry, object.PageCount()),
	}

	object.AddMapping(r)
	for pageIndex := range r.entries {
		object.SyncMapping(r, pageIndex)
	}

	return r, nil
}

// Base returns the virtual address where the region starts.
func (r *Region) Base() uintptr { return r.base }

// Size returns the size of the region in bytes.
func (r *Region) Size() uintptr { return uintptr(len(r.entries)) << mm.PageShift }

// Object returns the object mapped by the region.
func (r *Region) Object() *vmobject.Anonymous { return r.object }

// Contains returns true if vaddr falls inside the region.
func (r *Region) Contains(vaddr uintptr) bool {
	return vaddr >= r.base && vaddr-r.base < r.Size()
}

// IsShared implements vmobject.Mapping.
func (r *Region) IsShared() bool { return r.shared }

// RemapPage implements vmobject.Mapping. Placeholder pages that were
// committed but never allocated are left non-present; every other page is
// mapped read-only if cow is set.
func (r *Region) RemapPage(pageIndex int, frame mm.Frame, cow bool) {
	r.lock.Acquire()
	defer r.lock.Release()

	pte := &r.entries[pageIndex]
	*pte = 0
	if frame.IsLazyCommitted() || !frame.Valid() {
		return
	}

	flags := FlagPresent | (r.flags & FlagUserAccessible)
	if r.memoryType != vmobject.MemoryNormal {
		flags |= FlagDoNotCache
	}

	if r.flags&FlagRW != 0 {
		if cow {
			flags |= FlagCopyOnWrite
		} else {
			flags |= FlagRW
		}
	}

	if mm.IsSharedZeroFrame(frame) && flags&FlagRW != 0 {
		kfmt.Panic(errAttemptToRWMapReservedFrame)
	}

	pte.SetFrame(frame)
	pte.SetFlags(flags)
}

// pageIndex returns the index of the object page that backs vaddr.
func (r *Region) pageIndex(vaddr uintptr) int {
	return int(mm.PageFromAddress(vaddr) - mm.PageFromAddress(r.base))
}

// entry returns a copy of the page table entry for pageIndex.
func (r *Region) entry(pageIndex int) pageTableEntry {
	r.lock.Acquire()
	defer r.lock.Release()
	return r.entries[pageIndex]
}

// HandleFault resolves a fault triggered by an access to vaddr. The caller
// decides what to do with the faulting process based on the response.
func (r *Region) HandleFault(vaddr uintptr, write bool) vmobject.PageFaultResponse {
	if r.object == nil || !r.Contains(vaddr) {
		nonRecoverablePageFault(vaddr, false, write, errRegionUnmapped)
		return vmobject.ShouldCrash
	}

	var (
		pageIndex = r.pageIndex(vaddr)
		pte       = r.entry(pageIndex)
		present   = pte.HasFlags(FlagPresent)
		response  vmobject.PageFaultResponse
	)

	switch {
	case write && r.flags&FlagRW == 0:
		nonRecoverablePageFault(vaddr, present, write, errProtectionFault)
		return vmobject.ShouldCrash
	case !present || (write && mm.IsSharedZeroFrame(pte.Frame())):
		response = r.object.HandleZeroFault(pageIndex)
	case write && pte.HasFlags(FlagCopyOnWrite):
		response = r.object.HandleCOWFault(pageIndex, mm.FrameAddress(pte.Frame()))
	default:
		// Resolved by a racing fault.
		return vmobject.Continue
	}

	if response == vmobject.Continue {
		r.object.SyncMapping(r, pageIndex)
	}

	return response
}

// Read copies len(buf) bytes starting at vaddr into buf, faulting pages in as
// needed.
func (r *Region) Read(vaddr uintptr, buf []byte) *kernel.Error {
	return r.access(vaddr, buf, false)
}

// Write copies data into the region starting at vaddr, resolving COW and
// zero faults along the way.
func (r *Region) Write(vaddr uintptr, data []byte) *kernel.Error {
	return r.access(vaddr, data, true)
}

func (r *Region) access(vaddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		addr, err := r.translate(vaddr, write)
		if err != nil {
			return err
		}

		chunk := mm.PageSize - (vaddr & (mm.PageSize - 1))
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		bufAddr := uintptr(unsafe.Pointer(&buf[0]))
		if write {
			kernel.Memcopy(bufAddr, addr, chunk)
		} else {
			kernel.Memcopy(addr, bufAddr, chunk)
		}

		buf = buf[chunk:]
		vaddr += chunk
	}

	return nil
}

// translate returns the kernel address backing vaddr, faulting the page in
// if the access is not allowed by its current page table entry.
func (r *Region) translate(vaddr uintptr, write bool) (uintptr, *kernel.Error) {
	if r.object == nil || !r.Contains(vaddr) {
		return 0, errRegionUnmapped
	}

	pageIndex := r.pageIndex(vaddr)
	for attempt := 0; attempt < maxFaultRetries; attempt++ {
		pte := r.entry(pageIndex)
		if pte.HasFlags(FlagPresent) && (!write || pte.HasFlags(FlagRW)) {
			frameAddr := mm.FrameAddress(pte.Frame())
			if frameAddr == 0 {
				return 0, errNotDirectlyMapped
			}
			return frameAddr + (vaddr & (mm.PageSize - 1)), nil
		}

		switch r.HandleFault(vaddr, write) {
		case vmobject.OutOfMemory:
			return 0, mm.ErrOutOfMemory
		case vmobject.ShouldCrash:
			return 0, errProtectionFault
		}
	}

	nonRecoverablePageFault(vaddr, true, write, errUnrecoverableFault)
	return 0, errUnrecoverableFault
}

// Clone creates the region that replaces r in a forked address space. Private
// regions get a copy-on-write clone of the object while shared regions map
// the same object.
func (r *Region) Clone(base uintptr) (*Region, *kernel.Error) {
	if r.object == nil {
		return nil, errRegionUnmapped
	}

	if r.shared {
		r.object.Ref()
		clone, err := Map(base, r.object, true, r.flags)
		if err != nil {
			r.object.Release()
		}
		return clone, err
	}

	object, err := r.object.TryClone()
	if err != nil {
		return nil, err
	}

	clone, err := Map(base, object, false, r.flags)
	if err != nil {
		object.Release()
	}
	return clone, err
}

// Unmap detaches the region from its object and drops the region's
// reference to it.
func (r *Region) Unmap() {
	if r.object == nil {
		return
	}

	r.object.RemoveMapping(r)
	r.object.Release()
	r.object = nil

	r.lock.Acquire()
	for i := range r.entries {
		r.entries[i] = 0
	}
	r.lock.Release()
}

func nonRecoverablePageFault(faultAddress uintptr, present, write bool, err *kernel.Error) {
	kfmt.Printf("[vmm] page fault while accessing address: 0x%x\nReason: ", faultAddress)
	switch {
	case !present && !write:
		kfmt.Printf("read from non-present page")
	case present && !write:
		kfmt.Printf("page protection violation (read)")
	case !present && write:
		kfmt.Printf("write to non-present page")
	default:
		kfmt.Printf("page protection violation (write)")
	}
	kfmt.Printf(" (%s)\n", err.Message)
}
