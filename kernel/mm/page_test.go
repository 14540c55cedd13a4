package mm

import (
	"testing"

	"anonmem/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if frame.IsLazyCommitted() {
			t.Errorf("expected frame %d not to be the lazy-committed placeholder", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}

	if !LazyCommittedFrame.IsLazyCommitted() {
		t.Error("expected LazyCommittedFrame.IsLazyCommitted() to return true")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestPageCount(t *testing.T) {
	specs := []struct {
		size     uintptr
		expCount uintptr
	}{
		{0, 0},
		{1, 1},
		{4096, 1},
		{4097, 2},
		{3 * 4096, 3},
	}

	for specIndex, spec := range specs {
		if got := PageCount(spec.size); got != spec.expCount {
			t.Errorf("[spec %d] expected page count to be %d; got %d", specIndex, spec.expCount, got)
		}
	}
}

type mockAllocator struct {
	calls []string
	err   *kernel.Error
}

func (m *mockAllocator) CommitFrames(count uint32) (FrameReservation, *kernel.Error) {
	m.calls = append(m.calls, "CommitFrames")
	return nil, m.err
}

func (m *mockAllocator) AllocFrame(zeroFill bool) (Frame, *kernel.Error) {
	m.calls = append(m.calls, "AllocFrame")
	return FrameFromAddress(0xbadf00), m.err
}

func (m *mockAllocator) AllocContiguousFrames(count uint32) (Frame, *kernel.Error) {
	m.calls = append(m.calls, "AllocContiguousFrames")
	return Frame(1), m.err
}

func (m *mockAllocator) SharedZeroFrame() Frame {
	m.calls = append(m.calls, "SharedZeroFrame")
	return Frame(42)
}

func (m *mockAllocator) RefFrame(Frame)   { m.calls = append(m.calls, "RefFrame") }
func (m *mockAllocator) UnrefFrame(Frame) { m.calls = append(m.calls, "UnrefFrame") }

func (m *mockAllocator) FrameRefCount(Frame) uint32 {
	m.calls = append(m.calls, "FrameRefCount")
	return 7
}

func (m *mockAllocator) FrameAddress(f Frame) uintptr {
	m.calls = append(m.calls, "FrameAddress")
	return f.Address()
}

func (m *mockAllocator) RegisterPurgeable(Purgeable)   { m.calls = append(m.calls, "RegisterPurgeable") }
func (m *mockAllocator) UnregisterPurgeable(Purgeable) { m.calls = append(m.calls, "UnregisterPurgeable") }

func TestPhysicalAllocatorDelegation(t *testing.T) {
	defer SetPhysicalAllocator(nil)

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	alloc := &mockAllocator{err: expErr}
	SetPhysicalAllocator(alloc)

	if _, err := CommitFrames(3); err != expErr {
		t.Errorf("expected CommitFrames to return %v; got %v", expErr, err)
	}

	if frame, err := AllocFrame(true); err != expErr || frame != FrameFromAddress(0xbadf00) {
		t.Errorf("expected AllocFrame to return the allocator frame and error; got %v, %v", frame, err)
	}

	if _, err := AllocContiguousFrames(2); err != expErr {
		t.Errorf("expected AllocContiguousFrames to return %v; got %v", expErr, err)
	}

	if !IsSharedZeroFrame(SharedZeroFrame()) {
		t.Error("expected the shared zero frame to be recognized")
	}

	RefFrame(Frame(1))
	UnrefFrame(Frame(1))

	if got := FrameRefCount(Frame(1)); got != 7 {
		t.Errorf("expected FrameRefCount to return 7; got %d", got)
	}

	if got := FrameAddress(Frame(2)); got != Frame(2).Address() {
		t.Errorf("expected FrameAddress to return %x; got %x", Frame(2).Address(), got)
	}

	RegisterPurgeable(nil)
	UnregisterPurgeable(nil)

	expCalls := []string{
		"CommitFrames", "AllocFrame", "AllocContiguousFrames", "SharedZeroFrame",
		"SharedZeroFrame", "RefFrame", "UnrefFrame", "FrameRefCount", "FrameAddress",
		"RegisterPurgeable", "UnregisterPurgeable",
	}

	if len(alloc.calls) != len(expCalls) {
		t.Fatalf("expected %d allocator calls; got %d: %v", len(expCalls), len(alloc.calls), alloc.calls)
	}

	for i, exp := range expCalls {
		if alloc.calls[i] != exp {
			t.Errorf("expected call %d to be %s; got %s", i, exp, alloc.calls[i])
		}
	}
}
