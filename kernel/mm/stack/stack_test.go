package stack

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/kernel/mm/vmm"
	"kestrel/multiboot"
	"runtime"
	"testing"
	"unsafe"
)

type memMap []multiboot.MemoryMapEntry

func (m memMap) VisitMemRegions(visitor multiboot.MemRegionVisitor) {
	for i := range m {
		if !visitor(&m[i]) {
			return
		}
	}
}

// setupFrames backs the physical memory window with 8M of host memory and
// returns a locked frame allocator managing it.
func setupFrames(t *testing.T) *pmm.Frames {
	buf := make([]byte, 2049*mm.PageSize)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	prevOffset := mm.SetPhysMemOffset(base)

	alloc, err := pmm.Init(memMap{{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable}})
	if err != nil {
		t.Fatal(err)
	}

	frames := alloc.Lock()
	t.Cleanup(func() {
		alloc.Unlock()
		mm.SetPhysMemOffset(prevOffset)
		runtime.KeepAlive(buf)
	})
	return frames
}

// mapStackPages maps pageCount pages starting at addr and pushes them to list.
func mapStackPages(t *testing.T, pdt vmm.PageDirectoryTable, frames *pmm.Frames, list *vmm.RegionList, addr, pageCount uintptr) {
	pages, err := vmm.AllocatePagesAt(addr, pageCount*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.MapAllocatedPages(pages, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, frames)
	if err != nil {
		t.Fatal(err)
	}

	if err = list.Push(&region); err != nil {
		t.Fatal(err)
	}
}

func releaseAll(t *testing.T, frames *pmm.Frames, list *vmm.RegionList) {
	if err := list.ReleaseAll(frames); err != nil {
		t.Fatal(err)
	}
}

func TestFromPages(t *testing.T) {
	frames := setupFrames(t)
	pdt, err := vmm.NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	const base = uintptr(0xffffa00000000000)
	guard := mm.PageFromAddress(base)

	t.Run("contiguous regions", func(t *testing.T) {
		var list vmm.RegionList
		mapStackPages(t, pdt, frames, &list, base+mm.PageSize, 2)
		mapStackPages(t, pdt, frames, &list, base+3*mm.PageSize, 1)
		mapStackPages(t, pdt, frames, &list, base+4*mm.PageSize, 3)

		s, err := FromPages(guard, &list)
		if err != nil {
			t.Fatal(err)
		}

		if list.Len() != 0 {
			t.Fatalf("expected all regions to be moved into the stack; %d left", list.Len())
		}

		if s.Guard() != guard {
			t.Fatalf("expected guard page to be 0x%x; got 0x%x", guard.Address(), s.Guard().Address())
		}

		if exp := base + mm.PageSize; s.Bottom() != exp {
			t.Fatalf("expected stack bottom to be 0x%x; got 0x%x", exp, s.Bottom())
		}

		if exp := base + 7*mm.PageSize; s.Top() != exp || s.Top() != s.Region().End() {
			t.Fatalf("expected stack top to be 0x%x; got 0x%x", exp, s.Top())
		}

		if exp := 6 * mm.PageSize; s.Size() != exp {
			t.Fatalf("expected stack size to be %d; got %d", exp, s.Size())
		}

		// Scribble over the stack to make sure it is backed by memory
		kernel.Memset(mm.PhysToVirt(translate(t, pdt, s.Top()-mm.PageSize)), 0xfe, mm.PageSize)

		if err = s.Release(frames); err != nil {
			t.Fatal(err)
		}

		if !s.Empty() {
			t.Fatal("expected stack to be empty after Release")
		}

		// Both the guard and the stack pages must be reservable again
		pages, err := vmm.AllocatePagesAt(base, 7*mm.PageSize)
		if err != nil {
			t.Fatalf("expected released stack pages to be reservable; got %v", err)
		}
		vmm.ReleasePages(pages)
	})

	specs := []struct {
		descr  string
		layout [][2]uintptr
	}{
		{"no regions", nil},
		{"first region does not follow the guard page", [][2]uintptr{{base + 2*mm.PageSize, 2}}},
		{"gap between regions", [][2]uintptr{{base + mm.PageSize, 2}, {base + 4*mm.PageSize, 1}}},
		{"regions out of order", [][2]uintptr{{base + 3*mm.PageSize, 1}, {base + mm.PageSize, 2}}},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			var list vmm.RegionList
			for _, r := range spec.layout {
				mapStackPages(t, pdt, frames, &list, r[0], r[1])
			}
			defer releaseAll(t, frames, &list)

			if _, err := FromPages(guard, &list); err != ErrNotContiguous {
				t.Fatalf("expected to get ErrNotContiguous; got %v", err)
			}

			if got := list.Len(); got != len(spec.layout) {
				t.Fatalf("expected the region list to be left untouched; got %d regions", got)
			}
		})
	}

	t.Run("regions with different flags", func(t *testing.T) {
		var list vmm.RegionList
		defer releaseAll(t, frames, &list)
		mapStackPages(t, pdt, frames, &list, base+mm.PageSize, 1)

		pages, err := vmm.AllocatePagesAt(base+2*mm.PageSize, mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		region, err := pdt.MapAllocatedPages(pages, vmm.FlagPresent|vmm.FlagRW, frames)
		if err != nil {
			t.Fatal(err)
		}
		if err = list.Push(&region); err != nil {
			t.Fatal(err)
		}

		if _, err := FromPages(guard, &list); err != ErrNotContiguous {
			t.Fatalf("expected to get ErrNotContiguous; got %v", err)
		}
	})
}

func TestAlloc(t *testing.T) {
	frames := setupFrames(t)
	pdt, err := vmm.NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := frames.FreeCount()
	s, err := Alloc(pdt, 4, frames)
	if err != nil {
		t.Fatal(err)
	}

	if s.Bottom() != (s.Guard() + 1).Address() || s.Size() != 4*mm.PageSize {
		t.Fatalf("unexpected stack layout: guard 0x%x, bottom 0x%x, size %d", s.Guard().Address(), s.Bottom(), s.Size())
	}

	if _, err = pdt.Translate(s.Guard().Address()); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected guard page to be unmapped; got %v", err)
	}

	if _, err = vmm.AllocatePagesAt(s.Guard().Address(), mm.PageSize); err != vmm.ErrPagesUnavailable {
		t.Fatalf("expected guard page to be reserved; got %v", err)
	}

	if exp, got := freeBefore-4, frames.FreeCount(); got != exp {
		t.Fatalf("expected free frame count to be %d; got %d", exp, got)
	}

	guard := s.Guard()
	if err = s.Release(frames); err != nil {
		t.Fatal(err)
	}

	if got := frames.FreeCount(); got != freeBefore {
		t.Fatalf("expected stack frames to be returned; free count %d, expected %d", got, freeBefore)
	}

	pages, err := vmm.AllocatePagesAt(guard.Address(), 5*mm.PageSize)
	if err != nil {
		t.Fatalf("expected released stack to be reservable; got %v", err)
	}
	vmm.ReleasePages(pages)

	t.Run("errors", func(t *testing.T) {
		if _, err := Alloc(pdt, 0, frames); err != errEmptyStack {
			t.Fatalf("expected to get errEmptyStack; got %v", err)
		}

		defer func(origAlloc func(uintptr) (mm.PageRange, *kernel.Error)) { allocatePagesFn = origAlloc }(allocatePagesFn)
		allocatePagesFn = func(_ uintptr) (mm.PageRange, *kernel.Error) {
			return mm.PageRange{}, vmm.ErrPagesUnavailable
		}

		if _, err := Alloc(pdt, 1, frames); err != vmm.ErrPagesUnavailable {
			t.Fatalf("expected to get ErrPagesUnavailable; got %v", err)
		}
	})
}

func TestDiscard(t *testing.T) {
	frames := setupFrames(t)
	pdt, err := vmm.NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	s, err := Alloc(pdt, 2, frames)
	if err != nil {
		t.Fatal(err)
	}
	top := s.Top()
	discardedBefore := vmm.DiscardedRegions()

	s.Discard()
	if !s.Empty() {
		t.Fatal("expected stack to be empty after Discard")
	}

	if exp, got := discardedBefore+1, vmm.DiscardedRegions(); got != exp {
		t.Fatalf("expected discarded region count to be %d; got %d", exp, got)
	}

	if _, err = pdt.Translate(top - 1); err != nil {
		t.Fatalf("expected discarded stack to remain mapped; got %v", err)
	}
}

func translate(t *testing.T, pdt vmm.PageDirectoryTable, virtAddr uintptr) uintptr {
	physAddr, err := pdt.Translate(virtAddr)
	if err != nil {
		t.Fatal(err)
	}
	return physAddr
}
