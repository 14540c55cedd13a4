package vmm

import (
	"bytes"
	"strings"
	"testing"

	"anonmem/kernel/kfmt"
	"anonmem/kernel/mm"
	"anonmem/kernel/mm/pmm"
	"anonmem/kernel/mm/vmobject"
)

const testBase = uintptr(0x400000)

func setupAllocator(t *testing.T, pageCount uint32) (*pmm.Allocator, *bytes.Buffer) {
	alloc, err := pmm.New(mm.Frame(0x800), pageCount)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	mm.SetPhysicalAllocator(alloc)
	t.Cleanup(func() {
		kfmt.SetOutputSink(nil)
		mm.SetPhysicalAllocator(nil)
	})

	return alloc, &buf
}

func expStats(t *testing.T, alloc *pmm.Allocator, exp pmm.Stats) {
	t.Helper()
	if got := alloc.Stats(); got != exp {
		t.Fatalf("expected allocator stats to be %+v; got %+v", exp, got)
	}
}

func mapObject(t *testing.T, size uintptr, strategy vmobject.AllocationStrategy, shared bool) *Region {
	t.Helper()

	obj, err := vmobject.NewWithSize(size, strategy)
	if err != nil {
		t.Fatal(err)
	}

	r, err := Map(testBase, obj, shared, FlagRW|FlagUserAccessible)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func readString(t *testing.T, r *Region, vaddr uintptr, size int) string {
	t.Helper()

	buf := make([]byte, size)
	if err := r.Read(vaddr, buf); err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func TestMap(t *testing.T) {
	setupAllocator(t, 8)

	obj, err := vmobject.NewWithSize(mm.PageSize, vmobject.StrategyNone)
	if err != nil {
		t.Fatal(err)
	}
	defer obj.Release()

	if _, err = Map(testBase+1, obj, false, FlagRW); err != errRegionNotAligned {
		t.Fatalf("expected errRegionNotAligned; got %v", err)
	}

	specs := []struct {
		strategy vmobject.AllocationStrategy
		expFlags PageTableEntryFlag
		present  bool
	}{
		{vmobject.StrategyNone, FlagPresent | FlagUserAccessible | FlagCopyOnWrite, true},
		{vmobject.StrategyReserve, 0, false},
		{vmobject.StrategyAllocateNow, FlagPresent | FlagUserAccessible | FlagRW, true},
	}

	for _, spec := range specs {
		r := mapObject(t, 2*mm.PageSize, spec.strategy, false)

		if r.Base() != testBase || r.Size() != 2*mm.PageSize || !r.Contains(testBase+mm.PageSize) || r.Contains(testBase+2*mm.PageSize) {
			t.Fatal("unexpected region bounds")
		}

		for i, pte := range r.entries {
			if pte.HasFlags(FlagPresent) != spec.present {
				t.Fatalf("[strategy %d, page %d] expected present flag to be %t", spec.strategy, i, spec.present)
			}

			if spec.present && (!pte.HasFlags(spec.expFlags) || pte.Frame() != r.Object().PhysicalPage(i)) {
				t.Fatalf("[strategy %d, page %d] unexpected entry 0x%x", spec.strategy, i, uintptr(pte))
			}

			if pte.HasFlags(FlagRW) && pte.HasFlags(FlagCopyOnWrite) {
				t.Fatalf("[strategy %d, page %d] FlagRW and FlagCopyOnWrite are mutually exclusive", spec.strategy, i)
			}
		}

		r.Unmap()
	}
}

func TestMapMemoryType(t *testing.T) {
	setupAllocator(t, 8)

	obj, err := vmobject.NewPhysicallyContiguousWithSize(mm.PageSize, vmobject.MemoryNonCacheable)
	if err != nil {
		t.Fatal(err)
	}

	r, err := Map(testBase, obj, true, FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Unmap()

	if !r.entries[0].HasFlags(FlagPresent | FlagRW | FlagDoNotCache) {
		t.Fatalf("expected non-cacheable RW entry; got 0x%x", uintptr(r.entries[0]))
	}
}

func TestZeroAndLazyFaults(t *testing.T) {
	alloc, _ := setupAllocator(t, 8)

	for _, strategy := range []vmobject.AllocationStrategy{vmobject.StrategyNone, vmobject.StrategyReserve} {
		r := mapObject(t, 2*mm.PageSize, strategy, false)

		if got := readString(t, r, testBase, 4); got != "\x00\x00\x00\x00" {
			t.Fatalf("[strategy %d] expected unwritten memory to read as zeroes; got %q", strategy, got)
		}

		if err := r.Write(testBase+mm.PageSize-2, []byte("gopher")); err != nil {
			t.Fatalf("[strategy %d] %v", strategy, err)
		}

		if got := readString(t, r, testBase+mm.PageSize-2, 6); got != "gopher" {
			t.Fatalf("[strategy %d] expected to read back %q; got %q", strategy, "gopher", got)
		}

		for i, pte := range r.entries {
			if !pte.HasFlags(FlagPresent|FlagRW) || pte.HasFlags(FlagCopyOnWrite) {
				t.Fatalf("[strategy %d, page %d] expected a writable entry; got 0x%x", strategy, i, uintptr(pte))
			}
		}

		r.Unmap()
		expStats(t, alloc, pmm.Stats{TotalFrames: 8, UsedFrames: 1, UncommittedFrames: 7})
	}
}

func TestForkIsolation(t *testing.T) {
	alloc, _ := setupAllocator(t, 16)

	parent := mapObject(t, 3*mm.PageSize, vmobject.StrategyAllocateNow, false)
	if err := parent.Write(testBase, []byte("parent page 0")); err != nil {
		t.Fatal(err)
	}
	if err := parent.Write(testBase+2*mm.PageSize, []byte("parent page 2")); err != nil {
		t.Fatal(err)
	}

	child, err := parent.Clone(testBase)
	if err != nil {
		t.Fatal(err)
	}

	// After the fork every page is mapped read-only in both regions.
	for _, r := range []*Region{parent, child} {
		for i, pte := range r.entries {
			if !pte.HasFlags(FlagPresent|FlagCopyOnWrite) || pte.HasFlags(FlagRW) {
				t.Fatalf("[page %d] expected a COW entry; got 0x%x", i, uintptr(pte))
			}
		}
	}

	if got := readString(t, child, testBase, 13); got != "parent page 0" {
		t.Fatalf("expected child to see the parent contents; got %q", got)
	}

	if err = child.Write(testBase, []byte("child")); err != nil {
		t.Fatal(err)
	}

	if got := readString(t, child, testBase, 13); got != "childt page 0" {
		t.Fatalf("unexpected child contents %q", got)
	}

	if got := readString(t, parent, testBase, 13); got != "parent page 0" {
		t.Fatalf("expected parent contents to be unaffected by the child write; got %q", got)
	}

	// The parent is now the only holder of its page 0 frame.
	if !parent.entries[0].HasFlags(FlagPresent | FlagRW) {
		t.Fatalf("expected parent page 0 to be writable again; got 0x%x", uintptr(parent.entries[0]))
	}

	if err = parent.Write(testBase+2*mm.PageSize, []byte("PARENT")); err != nil {
		t.Fatal(err)
	}

	if got := readString(t, child, testBase+2*mm.PageSize, 13); got != "parent page 2" {
		t.Fatalf("expected child contents to be unaffected by the parent write; got %q", got)
	}

	child.Unmap()
	parent.Unmap()
	expStats(t, alloc, pmm.Stats{TotalFrames: 16, UsedFrames: 1, UncommittedFrames: 15})
}

func TestSharedRegionClone(t *testing.T) {
	setupAllocator(t, 8)

	parent := mapObject(t, mm.PageSize, vmobject.StrategyAllocateNow, true)
	child, err := parent.Clone(testBase)
	if err != nil {
		t.Fatal(err)
	}

	if child.Object() != parent.Object() {
		t.Fatal("expected shared region clone to map the same object")
	}

	if err = child.Write(testBase, []byte("shared")); err != nil {
		t.Fatal(err)
	}

	if got := readString(t, parent, testBase, 6); got != "shared" {
		t.Fatalf("expected write to be visible through the parent; got %q", got)
	}

	child.Unmap()
	if got := readString(t, parent, testBase, 6); got != "shared" {
		t.Fatalf("expected object to outlive the unmapped clone; got %q", got)
	}
	parent.Unmap()
}

func TestFaultErrors(t *testing.T) {
	alloc, buf := setupAllocator(t, 4)

	t.Run("read-only region", func(t *testing.T) {
		obj, err := vmobject.NewWithSize(mm.PageSize, vmobject.StrategyNone)
		if err != nil {
			t.Fatal(err)
		}
		r, err := Map(testBase, obj, false, FlagUserAccessible)
		if err != nil {
			t.Fatal(err)
		}
		defer r.Unmap()

		if err = r.Write(testBase, []byte{1}); err != errProtectionFault {
			t.Fatalf("expected errProtectionFault; got %v", err)
		}

		if !strings.Contains(buf.String(), "page protection violation (write)") {
			t.Fatalf("expected fault to be logged; got %q", buf.String())
		}
	})

	t.Run("outside region", func(t *testing.T) {
		r := mapObject(t, mm.PageSize, vmobject.StrategyNone, false)
		defer r.Unmap()

		if res := r.HandleFault(testBase+mm.PageSize, false); res != vmobject.ShouldCrash {
			t.Fatalf("expected ShouldCrash; got %s", res)
		}

		if err := r.Read(testBase-1, make([]byte, 1)); err != errRegionUnmapped {
			t.Fatalf("expected errRegionUnmapped; got %v", err)
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		r := mapObject(t, mm.PageSize, vmobject.StrategyNone, false)
		defer r.Unmap()

		var frames []mm.Frame
		for alloc.Stats().UncommittedFrames != 0 {
			frame, err := mm.AllocFrame(false)
			if err != nil {
				t.Fatal(err)
			}
			frames = append(frames, frame)
		}
		defer func() {
			for _, frame := range frames {
				mm.UnrefFrame(frame)
			}
		}()

		if err := r.Write(testBase, []byte{1}); err != mm.ErrOutOfMemory {
			t.Fatalf("expected mm.ErrOutOfMemory; got %v", err)
		}
	})

	t.Run("volatile write", func(t *testing.T) {
		obj, err := vmobject.NewPurgeableWithSize(mm.PageSize, vmobject.StrategyAllocateNow)
		if err != nil {
			t.Fatal(err)
		}
		parent, err := Map(testBase, obj, false, FlagRW)
		if err != nil {
			t.Fatal(err)
		}
		defer parent.Unmap()

		child, err := parent.Clone(testBase)
		if err != nil {
			t.Fatal(err)
		}
		defer child.Unmap()

		if _, err = obj.SetVolatile(true); err != nil {
			t.Fatal(err)
		}

		if !parent.entries[0].HasFlags(FlagCopyOnWrite) {
			t.Fatal("expected page shared with the child to stay read-only")
		}

		if err = parent.Write(testBase, []byte{1}); err != errProtectionFault {
			t.Fatalf("expected errProtectionFault; got %v", err)
		}
	})

	t.Run("unmapped region", func(t *testing.T) {
		r := mapObject(t, mm.PageSize, vmobject.StrategyNone, false)
		r.Unmap()
		r.Unmap()

		if _, err := r.Clone(testBase); err != errRegionUnmapped {
			t.Fatalf("expected errRegionUnmapped; got %v", err)
		}

		if err := r.Write(testBase, []byte{1}); err != errRegionUnmapped {
			t.Fatalf("expected errRegionUnmapped; got %v", err)
		}
	})
}

func TestPurgeUnmapsFrames(t *testing.T) {
	setupAllocator(t, 8)

	obj, err := vmobject.NewPurgeableWithSize(2*mm.PageSize, vmobject.StrategyAllocateNow)
	if err != nil {
		t.Fatal(err)
	}
	r, err := Map(testBase, obj, false, FlagRW)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Unmap()

	if err = r.Write(testBase, []byte("volatile")); err != nil {
		t.Fatal(err)
	}

	obj.SetVolatile(true)
	obj.Purge()

	for i, pte := range r.entries {
		if !mm.IsSharedZeroFrame(pte.Frame()) || pte.HasFlags(FlagRW) {
			t.Fatalf("[page %d] expected entry to point to the read-only zero frame; got 0x%x", i, uintptr(pte))
		}
	}

	if got := readString(t, r, testBase, 8); got != "\x00\x00\x00\x00\x00\x00\x00\x00" {
		t.Fatalf("expected purged memory to read as zeroes; got %q", got)
	}

	wasPurged, err := obj.SetVolatile(false)
	if err != nil || !wasPurged {
		t.Fatalf("expected (true, nil); got (%t, %v)", wasPurged, err)
	}

	// Purged pages are lazily committed again.
	if r.entries[0].HasFlags(FlagPresent) {
		t.Fatal("expected lazily committed page to be non-present")
	}

	if err = r.Write(testBase, []byte("again")); err != nil {
		t.Fatal(err)
	}
}
