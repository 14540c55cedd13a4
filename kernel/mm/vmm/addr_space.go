package vmm

import (
	"anonmem/kernel"
	"anonmem/kernel/mm"
	"anonmem/kernel/mm/vmobject"
	"anonmem/kernel/sync"
)

const (
	// userSpaceStart is the lowest address that can be handed out to a
	// region. The first pages are never mapped so nil dereferences fault.
	userSpaceStart = uintptr(0x400000)

	// userSpaceEnd is the end of the canonical lower half of the amd64
	// virtual address space.
	userSpaceEnd = uintptr(0x00007ffffffff000)
)

var (
	errAddressSpaceFull = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errUnknownRegion    = &kernel.Error{Module: "vmm", Message: "region does not belong to this address space"}
)

// AddressSpace is a set of regions that make up the private view of memory
// of a process.
type AddressSpace struct {
	lock sync.Spinlock

	// lastReserved tracks the last reserved region address and is
	// decreased after each reservation. Initially it points to
	// userSpaceEnd.
	lastReserved uintptr

	regions []*Region
}

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{lastReserved: userSpaceEnd}
}

// reserveLocked reserves a page-aligned virtual range of the requested size
// and returns its start address. Reservations are handed out starting at the
// end of the address space. If size is not a multiple of mm.PageSize it will
// be automatically rounded up.
func (as *AddressSpace) reserveLocked(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size will cross into the
	// unmapped low pages
	if size == 0 || size > as.lastReserved-userSpaceStart {
		return 0, errAddressSpaceFull
	}

	as.lastReserved -= size
	return as.lastReserved, nil
}

// Allocate creates an anonymous object of the requested size and maps it
// at a newly reserved address.
func (as *AddressSpace) Allocate(size uintptr, strategy vmobject.AllocationStrategy, purgeable bool, flags PageTableEntryFlag) (*Region, *kernel.Error) {
	var (
		object *vmobject.Anonymous
		err    *kernel.Error
	)

	if purgeable {
		object, err = vmobject.NewPurgeableWithSize(size, strategy)
	} else {
		object, err = vmobject.NewWithSize(size, strategy)
	}
	if err != nil {
		return nil, err
	}

	region, err := as.MapObject(object, false, flags)
	if err != nil {
		object.Release()
	}
	return region, err
}

// MapObject maps object at a newly reserved address. On success the address
// space takes over the caller's reference to object.
func (as *AddressSpace) MapObject(object *vmobject.Anonymous, shared bool, flags PageTableEntryFlag) (*Region, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	base, err := as.reserveLocked(object.Size())
	if err != nil {
		return nil, err
	}

	region, err := Map(base, object, shared, flags)
	if err != nil {
		return nil, err
	}

	as.regions = append(as.regions, region)
	return region, nil
}

// RegionAt returns the region that contains vaddr or nil.
func (as *AddressSpace) RegionAt(vaddr uintptr) *Region {
	as.lock.Acquire()
	defer as.lock.Release()

	for _, region := range as.regions {
		if region.Contains(vaddr) {
			return region
		}
	}
	return nil
}

// Regions returns the number of regions in the address space.
func (as *AddressSpace) Regions() int {
	as.lock.Acquire()
	defer as.lock.Release()
	return len(as.regions)
}

// HandleFault dispatches a fault at vaddr to the region that contains it.
// Faults outside any region are fatal for the faulting process.
func (as *AddressSpace) HandleFault(vaddr uintptr, write bool) vmobject.PageFaultResponse {
	region := as.RegionAt(vaddr)
	if region == nil {
		nonRecoverablePageFault(vaddr, false, write, errRegionUnmapped)
		return vmobject.ShouldCrash
	}

	return region.HandleFault(vaddr, write)
}

// Read copies len(buf) bytes starting at vaddr into buf.
func (as *AddressSpace) Read(vaddr uintptr, buf []byte) *kernel.Error {
	return as.access(vaddr, buf, false)
}

// Write copies data into the address space starting at vaddr.
func (as *AddressSpace) Write(vaddr uintptr, data []byte) *kernel.Error {
	return as.access(vaddr, data, true)
}

func (as *AddressSpace) access(vaddr uintptr, buf []byte, write bool) *kernel.Error {
	for len(buf) > 0 {
		region := as.RegionAt(vaddr)
		if region == nil {
			return errRegionUnmapped
		}

		chunk := region.Base() + region.Size() - vaddr
		if chunk > uintptr(len(buf)) {
			chunk = uintptr(len(buf))
		}

		if err := region.access(vaddr, buf[:chunk], write); err != nil {
			return err
		}

		buf = buf[chunk:]
		vaddr += chunk
	}

	return nil
}

// Fork creates a copy of the address space. Private regions are cloned
// copy-on-write while shared regions are mapped into both address spaces. If
// any region cannot be cloned, the partially built copy is released and the
// error is returned. The parent keeps its regions and contents in that case,
// but objects of regions cloned before the failure stay flagged for COW and
// regain exclusive access to their pages on the next write fault.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	child := &AddressSpace{lastReserved: as.lastReserved}
	for _, region := range as.regions {
		clone, err := region.Clone(region.Base())
		if err != nil {
			child.Release()
			return nil, err
		}
		child.regions = append(child.regions, clone)
	}

	return child, nil
}

// Unmap removes region from the address space and unmaps it.
func (as *AddressSpace) Unmap(region *Region) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	for index, candidate := range as.regions {
		if candidate == region {
			as.regions = append(as.regions[:index], as.regions[index+1:]...)
			region.Unmap()
			return nil
		}
	}

	return errUnknownRegion
}

// Release unmaps every region of the address space.
func (as *AddressSpace) Release() {
	as.lock.Acquire()
	regions := as.regions
	as.regions = nil
	as.lock.Release()

	for _, region := range regions {
		region.Unmap()
	}
}
