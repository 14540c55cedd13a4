// Package pmm implements the physical memory manager: a frame allocator with
// per-frame reference counts, commit accounting and a shared zero frame.
package pmm

import (
	"anonmem/kernel"
	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
)

var (
	// frameAllocator is the allocator instance set up by Init.
	frameAllocator *Allocator
)

// Init sets up the kernel physical memory allocation sub-system and registers
// the allocator with the mm package.
func Init(startFrame mm.Frame, pageCount uint32) *kernel.Error {
	alloc, err := New(startFrame, pageCount)
	if err != nil {
		return err
	}

	frameAllocator = alloc
	printMemoryMap(alloc)
	mm.SetPhysicalAllocator(alloc)
	return nil
}

// FrameAllocator returns the allocator instance set up by Init.
func FrameAllocator() *Allocator {
	return frameAllocator
}

// printMemoryMap logs the frame range managed by alloc.
func printMemoryMap(alloc *Allocator) {
	stats := alloc.Stats()
	kfmt.Printf("[pmm] system memory map:\n")
	kfmt.Printf("\t[0x%10x - 0x%10x], frames: %d\n",
		alloc.pool.startFrame.Address(),
		alloc.pool.endFrame.Address()+mm.PageSize,
		stats.TotalFrames,
	)
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(mm.Size(stats.UncommittedFrames)*mm.Size(mm.PageSize)/mm.Kb))
	kfmt.Printf("[pmm] shared zero frame: 0x%x\n", alloc.zeroFrame.Address())
}
