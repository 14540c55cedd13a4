package mm

import (
	"anonmem/kernel"
)

var (
	// ErrOutOfMemory is returned when the physical allocator cannot honor
	// a reservation or an allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "mm", Message: "out of memory"}

	// physicalAllocator is the allocator registered via
	// SetPhysicalAllocator.
	physicalAllocator PhysicalAllocator
)

// FrameReservation is a set of frames that the physical allocator promised to
// provide but has not handed out yet. Reservations are not safe for
// concurrent use; callers that share a reservation must serialize access.
type FrameReservation interface {
	// TakeOne allocates a zero-filled frame out of the reservation. The
	// reservation must not be empty.
	TakeOne() Frame

	// UncommitOne shrinks the reservation by one frame and returns it to
	// the allocator's uncommitted budget.
	UncommitOne()

	// Len returns the number of frames left in the reservation.
	Len() uint32

	// Release returns all remaining frames to the uncommitted budget.
	Release()
}

// Purgeable is implemented by memory objects whose frames may be reclaimed by
// the physical allocator when it runs out of memory.
type Purgeable interface {
	// PurgeIfVolatile releases the frames of a volatile object and
	// returns the number of frames that were released. Implementations
	// must not block; a busy object should simply report 0.
	PurgeIfVolatile() int
}

// PhysicalAllocator describes the physical memory manager used by the
// anonymous memory objects and the region layer.
type PhysicalAllocator interface {
	// CommitFrames reserves count frames that can later be allocated
	// without failing.
	CommitFrames(count uint32) (FrameReservation, *kernel.Error)

	// AllocFrame allocates a frame from the uncommitted budget. If
	// zeroFill is true the frame contents are cleared.
	AllocFrame(zeroFill bool) (Frame, *kernel.Error)

	// AllocContiguousFrames allocates count physically contiguous,
	// zero-filled frames and returns the first one.
	AllocContiguousFrames(count uint32) (Frame, *kernel.Error)

	// SharedZeroFrame returns the read-only, zero-filled frame shared by
	// all unwritten pages.
	SharedZeroFrame() Frame

	// RefFrame increments the reference count of a frame.
	RefFrame(Frame)

	// UnrefFrame decrements the reference count of a frame and frees it
	// when the count reaches zero.
	UnrefFrame(Frame)

	// FrameRefCount returns the reference count of a frame.
	FrameRefCount(Frame) uint32

	// FrameAddress returns the address where the contents of a frame can
	// be accessed by the kernel or 0 if the frame is not directly mapped.
	FrameAddress(Frame) uintptr

	// RegisterPurgeable adds p to the set of objects that are asked to
	// give up their frames under memory pressure.
	RegisterPurgeable(p Purgeable)

	// UnregisterPurgeable removes p from the memory pressure set.
	UnregisterPurgeable(p Purgeable)
}

// SetPhysicalAllocator registers the physical allocator that will be used by
// the mm sub-packages.
func SetPhysicalAllocator(alloc PhysicalAllocator) { physicalAllocator = alloc }

// CommitFrames reserves count frames using the active physical allocator.
func CommitFrames(count uint32) (FrameReservation, *kernel.Error) {
	return physicalAllocator.CommitFrames(count)
}

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame(zeroFill bool) (Frame, *kernel.Error) {
	return physicalAllocator.AllocFrame(zeroFill)
}

// AllocContiguousFrames allocates count contiguous frames using the active
// physical allocator.
func AllocContiguousFrames(count uint32) (Frame, *kernel.Error) {
	return physicalAllocator.AllocContiguousFrames(count)
}

// SharedZeroFrame returns the shared zero frame of the active physical
// allocator.
func SharedZeroFrame() Frame { return physicalAllocator.SharedZeroFrame() }

// IsSharedZeroFrame returns true if f is the shared zero frame.
func IsSharedZeroFrame(f Frame) bool { return f == physicalAllocator.SharedZeroFrame() }

// RefFrame increments the reference count of f.
func RefFrame(f Frame) { physicalAllocator.RefFrame(f) }

// UnrefFrame decrements the reference count of f.
func UnrefFrame(f Frame) { physicalAllocator.UnrefFrame(f) }

// FrameRefCount returns the reference count of f.
func FrameRefCount(f Frame) uint32 { return physicalAllocator.FrameRefCount(f) }

// FrameAddress returns the kernel-accessible address of f.
func FrameAddress(f Frame) uintptr { return physicalAllocator.FrameAddress(f) }

// RegisterPurgeable adds p to the active allocator's memory pressure set.
func RegisterPurgeable(p Purgeable) { physicalAllocator.RegisterPurgeable(p) }

// UnregisterPurgeable removes p from the active allocator's memory pressure set.
func UnregisterPurgeable(p Purgeable) { physicalAllocator.UnregisterPurgeable(p) }
