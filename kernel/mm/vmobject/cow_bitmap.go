package vmobject

import "gvisor.dev/gvisor/pkg/bitmap"

// cowBitmap tracks, one bit per page, the pages that must be duplicated
// before they can be written to.
type cowBitmap struct {
	pageCount int
	bits      bitmap.Bitmap
}

func newCOWBitmap(pageCount int) *cowBitmap {
	return &cowBitmap{
		pageCount: pageCount,
		bits:      bitmap.New(uint32(pageCount)),
	}
}

func (b *cowBitmap) get(pageIndex int) bool {
	// FirstZero scans upwards from pageIndex; the bit is set iff the first
	// clear bit lies past it.
	zero, err := b.bits.FirstZero(uint32(pageIndex))
	return err != nil || zero != uint32(pageIndex)
}

func (b *cowBitmap) set(pageIndex int, cow bool) {
	if cow {
		b.bits.Add(uint32(pageIndex))
		return
	}
	b.bits.Remove(uint32(pageIndex))
}

// count returns the number of set bits.
func (b *cowBitmap) count() int {
	return int(b.bits.GetNumOnes())
}

// setPages returns the indices of the set bits in ascending order.
func (b *cowBitmap) setPages() []uint32 {
	return b.bits.ToSlice()
}
