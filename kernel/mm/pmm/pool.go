package pmm

import (
	"math"

	"anonmem/kernel/mm"
)

// framePool tracks the free/used state of a contiguous range of frames using
// a bitmap. A set bit marks a used frame.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap []uint64
}

func newFramePool(startFrame mm.Frame, pageCount uint32) framePool {
	pool := framePool{
		startFrame: startFrame,
		endFrame:   startFrame + mm.Frame(pageCount) - 1,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
	}

	// Padding bits in the last block do not correspond to real frames;
	// flag them as used so they are never handed out.
	for rel := pageCount; rel < uint32(len(pool.freeBitmap))<<6; rel++ {
		pool.freeBitmap[rel>>6] |= bitMask(rel)
	}

	return pool
}

// size returns the number of frames managed by the pool.
func (pool *framePool) size() uint32 {
	return uint32(pool.endFrame-pool.startFrame) + 1
}

// contains returns true if frame belongs to this pool.
func (pool *framePool) contains(frame mm.Frame) bool {
	return frame >= pool.startFrame && frame <= pool.endFrame
}

// markFrame updates the used bit for the given pool frame and adjusts the
// pool free count.
func (pool *framePool) markFrame(frame mm.Frame, used bool) {
	rel := uint32(frame - pool.startFrame)
	block, mask := rel>>6, bitMask(rel)

	switch {
	case used && pool.freeBitmap[block]&mask == 0:
		pool.freeBitmap[block] |= mask
		pool.freeCount--
	case !used && pool.freeBitmap[block]&mask != 0:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
	}
}

// isFree returns true if frame is not in use.
func (pool *framePool) isFree(frame mm.Frame) bool {
	rel := uint32(frame - pool.startFrame)
	return pool.freeBitmap[rel>>6]&bitMask(rel) == 0
}

// findFree returns the first free frame in the pool.
func (pool *framePool) findFree() (mm.Frame, bool) {
	if pool.freeCount == 0 {
		return mm.InvalidFrame, false
	}

	for blockIndex, block := range pool.freeBitmap {
		// Skip fully allocated blocks
		if block == math.MaxUint64 {
			continue
		}

		for bit := uint32(0); bit < 64; bit++ {
			rel := uint32(blockIndex)<<6 + bit
			if block&bitMask(rel) == 0 {
				return pool.startFrame + mm.Frame(rel), true
			}
		}
	}

	return mm.InvalidFrame, false
}

// findFreeRun returns the first frame of a run of count free frames.
func (pool *framePool) findFreeRun(count uint32) (mm.Frame, bool) {
	if count == 0 || pool.freeCount < count {
		return mm.InvalidFrame, false
	}

	var runStart, runLen uint32
	for rel := uint32(0); rel < pool.size(); rel++ {
		if pool.freeBitmap[rel>>6]&bitMask(rel) != 0 {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = rel
		}

		if runLen++; runLen == count {
			return pool.startFrame + mm.Frame(runStart), true
		}
	}

	return mm.InvalidFrame, false
}

// bitMask returns the mask for the bit that tracks the frame at relative
// offset rel within its bitmap block.
func bitMask(rel uint32) uint64 {
	return 1 << (63 - (rel & 63))
}
