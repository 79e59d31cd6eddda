package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"testing"
	"unsafe"
)

// limitedFrames wraps a FrameSource and fails general purpose frame
// allocations after the first limit requests.
type limitedFrames struct {
	FrameSource
	limit int
}

var errFramesExhausted = &kernel.Error{Module: "test", Message: "frames exhausted"}

func (f *limitedFrames) AllocFrame() (mm.Frame, *kernel.Error) {
	if f.limit == 0 {
		return mm.InvalidFrame, errFramesExhausted
	}
	f.limit--
	return f.FrameSource.AllocFrame()
}

func isZeroPage(addr uintptr) bool {
	for _, b := range unsafe.Slice((*byte)(unsafe.Pointer(addr)), mm.PageSize) {
		if b != 0 {
			return false
		}
	}
	return true
}

func TestMapAllocatedPages(t *testing.T) {
	arenaBase := withPhysArena(t)
	resetVMM(t)

	// Fill the simulated physical memory with junk
	kernel.Memset(arenaBase, 0xaa, arenaFrames*mm.PageSize)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := frames.FreeCount()
	pages, err := AllocatePagesAt(0xffffa00000000000, 3*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.MapAllocatedPages(pages, FlagPresent|FlagRW|FlagNoExecute, frames)
	if err != nil {
		t.Fatal(err)
	}

	if region.Start() != pages.Start.Address() || region.Size() != 3*mm.PageSize || region.PageCount() != 3 || region.End() != pages.End().Address() {
		t.Fatalf("unexpected region extents: [0x%x, 0x%x)", region.Start(), region.End())
	}

	if exp := FlagPresent | FlagRW | FlagNoExecute; region.Flags() != exp {
		t.Fatalf("expected region flags 0x%x; got 0x%x", exp, region.Flags())
	}

	if exp, got := freeBefore-3, frames.FreeCount(); got != exp {
		t.Fatalf("expected free frame count to be %d; got %d", exp, got)
	}

	for addr := region.Start(); addr < region.End(); addr += mm.PageSize {
		physAddr, err := pdt.Translate(addr)
		if err != nil {
			t.Fatal(err)
		}

		if !isZeroPage(mm.PhysToVirt(physAddr)) {
			t.Errorf("expected frame backing 0x%x to be cleared", addr)
		}
	}

	t.Run("release", func(t *testing.T) {
		region := region
		if err := region.Release(frames); err != nil {
			t.Fatal(err)
		}

		if !region.Empty() {
			t.Fatal("expected region to be empty after Release")
		}

		if _, err := pdt.Translate(pages.Start.Address()); err != ErrInvalidMapping {
			t.Fatalf("expected released pages to be unmapped; got %v", err)
		}

		if got := frames.FreeCount(); got != freeBefore {
			t.Fatalf("expected released frames to be returned; free count %d, expected %d", got, freeBefore)
		}

		if _, err := AllocatePagesAt(pages.Start.Address(), pages.Count<<mm.PageShift); err != nil {
			t.Fatalf("expected released pages to be reservable; got %v", err)
		}

		// Releasing an empty region is a no-op
		if err := region.Release(frames); err != nil {
			t.Fatal(err)
		}
	})
}

func TestMapAllocatedPagesRollback(t *testing.T) {
	withPhysArena(t)
	resetVMM(t)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := frames.FreeCount()
	pages, err := AllocatePagesAt(0xffffa00000000000, 8*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.MapAllocatedPages(pages, FlagPresent|FlagRW, &limitedFrames{FrameSource: frames, limit: 5})
	if err != errFramesExhausted {
		t.Fatalf("expected to get errFramesExhausted; got %v", err)
	}

	if !region.Empty() {
		t.Fatal("expected an empty region on failure")
	}

	for page := pages.Start; page < pages.End(); page++ {
		if _, err := pdt.Translate(page.Address()); err != ErrInvalidMapping {
			t.Errorf("expected page 0x%x to be unmapped after rollback; got %v", page.Address(), err)
		}
	}

	if got := frames.FreeCount(); got != freeBefore {
		t.Fatalf("expected all frames to be returned; free count %d, expected %d", got, freeBefore)
	}

	if reservations.count != 0 {
		t.Fatalf("expected page reservation to be released; got %v", reservedRanges())
	}
}

func TestMapFrames(t *testing.T) {
	withPhysArena(t)
	resetVMM(t)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	freeBefore := frames.FreeCount()
	pages, err := AllocatePagesAt(0xffffa00000000000, 4*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.MapFrames(pages, 0x500, FlagPresent, frames)
	if err != nil {
		t.Fatal(err)
	}

	for i := uintptr(0); i < 4; i++ {
		physAddr, err := pdt.Translate(region.Start() + i*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		if exp := mm.Frame(0x500 + i).Address(); physAddr != exp {
			t.Errorf("[page %d] expected to be mapped to 0x%x; got 0x%x", i, exp, physAddr)
		}
	}

	// Regions that do not own their frames leave them untouched
	if err = region.Release(frames); err != nil {
		t.Fatal(err)
	}

	if got := frames.FreeCount(); got != freeBefore {
		t.Fatalf("expected free frame count to remain %d; got %d", freeBefore, got)
	}

	t.Run("rollback on existing mapping", func(t *testing.T) {
		pages, err := AllocatePagesAt(0xffffa00000100000, 4*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		if err = pdt.Map(pages.Start+2, 0x600, FlagPresent, frames); err != nil {
			t.Fatal(err)
		}

		if _, err = pdt.MapFrames(pages, 0x500, FlagPresent, frames); err != ErrAlreadyMapped {
			t.Fatalf("expected to get ErrAlreadyMapped; got %v", err)
		}

		for _, page := range []mm.Page{pages.Start, pages.Start + 1} {
			if _, err := pdt.Translate(page.Address()); err != ErrInvalidMapping {
				t.Errorf("expected page 0x%x to be unmapped after rollback; got %v", page.Address(), err)
			}
		}

		if physAddr, err := pdt.Translate((pages.Start + 2).Address()); err != nil || physAddr != mm.Frame(0x600).Address() {
			t.Fatalf("expected pre-existing mapping to survive the rollback; got 0x%x, %v", physAddr, err)
		}

		if reservations.count != 0 {
			t.Fatalf("expected page reservation to be released; got %v", reservedRanges())
		}
	})
}

func TestIdentityMap(t *testing.T) {
	withPhysArena(t)
	resetVMM(t)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.IdentityMap(mm.Frame(0x9), mm.PageSize+1, FlagPresent|FlagNoExecute, frames)
	if err != nil {
		t.Fatal(err)
	}

	if region.Start() != 0x9000 || region.PageCount() != 2 {
		t.Fatalf("expected identity region to span 2 pages at 0x9000; got %d pages at 0x%x", region.PageCount(), region.Start())
	}

	for _, addr := range []uintptr{0x9000, 0x9abc, 0xa123} {
		if physAddr, err := pdt.Translate(addr); err != nil || physAddr != addr {
			t.Errorf("expected 0x%x to be identity mapped; got 0x%x, %v", addr, physAddr, err)
		}
	}

	if _, err = pdt.IdentityMap(mm.Frame(0xa), mm.PageSize, FlagPresent, frames); err != ErrPagesUnavailable {
		t.Fatalf("expected overlapping identity mapping to fail with ErrPagesUnavailable; got %v", err)
	}
}

func TestMappedRegionDiscard(t *testing.T) {
	withPhysArena(t)
	resetVMM(t)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	pages, err := AllocatePagesAt(0xffffa00000000000, 2*mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}

	region, err := pdt.MapAllocatedPages(pages, FlagPresent|FlagRW, frames)
	if err != nil {
		t.Fatal(err)
	}
	freeAfterMap := frames.FreeCount()

	region.Discard()
	if !region.Empty() {
		t.Fatal("expected region to be empty after Discard")
	}

	if got := DiscardedRegions(); got != 1 {
		t.Fatalf("expected discard registry to hold 1 region; got %d", got)
	}

	if exp, got := (MappedRegion{pages: pages, flags: FlagPresent | FlagRW, table: pdt.Frame(), ownsFrames: true}), discarded.regions[0]; got != exp {
		t.Fatalf("expected registry to retain %v; got %v", exp, got)
	}

	for page := pages.Start; page < pages.End(); page++ {
		if _, err := pdt.Translate(page.Address()); err != nil {
			t.Errorf("expected discarded page 0x%x to remain mapped; got %v", page.Address(), err)
		}
	}

	if got := frames.FreeCount(); got != freeAfterMap {
		t.Fatalf("expected discarded frames to stay allocated; free count %d, expected %d", got, freeAfterMap)
	}

	if _, err := AllocatePagesAt(pages.Start.Address(), mm.PageSize); err != ErrPagesUnavailable {
		t.Fatalf("expected discarded pages to remain reserved; got %v", err)
	}

	// Discarding an empty region is a no-op
	region.Discard()
	if got := DiscardedRegions(); got != 1 {
		t.Fatalf("expected discard registry to hold 1 region; got %d", got)
	}

	t.Run("registry overflow is counted", func(t *testing.T) {
		for i := 0; i < maxDiscardedRegions+5; i++ {
			r := MappedRegion{pages: mm.PageRange{Start: mm.Page(i), Count: 1}}
			r.Discard()
		}

		if exp, got := maxDiscardedRegions+6, DiscardedRegions(); got != exp {
			t.Fatalf("expected discard count to be %d; got %d", exp, got)
		}
	})
}

func TestMappedRegionMerge(t *testing.T) {
	withPhysArena(t)
	resetVMM(t)

	frames := testFrames(t)
	pdt, err := NewPageDirectoryTable(frames)
	if err != nil {
		t.Fatal(err)
	}

	mapAt := func(addr uintptr, pageCount uintptr, flags PageTableEntryFlag) MappedRegion {
		pages, err := AllocatePagesAt(addr, pageCount*mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		region, err := pdt.MapFrames(pages, mm.FrameFromAddress(addr-0xffffa00000000000+0x500000), flags, frames)
		if err != nil {
			t.Fatal(err)
		}
		return region
	}

	base := uintptr(0xffffa00000000000)
	first := mapAt(base, 2, FlagPresent)
	second := mapAt(base+2*mm.PageSize, 3, FlagPresent)
	gapped := mapAt(base+6*mm.PageSize, 1, FlagPresent)
	rw := mapAt(base+5*mm.PageSize, 1, FlagPresent|FlagRW)

	if err = first.Merge(&second); err != nil {
		t.Fatal(err)
	}

	if first.PageCount() != 5 || !second.Empty() {
		t.Fatalf("expected merged region to span 5 pages; got %d", first.PageCount())
	}

	if !first.Contains(base+4*mm.PageSize+10) || first.Contains(base+5*mm.PageSize) {
		t.Fatal("unexpected Contains result for merged region")
	}

	if err = first.Merge(&gapped); err != errRegionMismatch {
		t.Fatalf("expected merging a non-adjacent region to fail; got %v", err)
	}

	if err = first.Merge(&rw); err != errRegionMismatch {
		t.Fatalf("expected merging a region with different flags to fail; got %v", err)
	}

	if gapped.Empty() || rw.Empty() {
		t.Fatal("expected failed merges to leave the other region intact")
	}

	var empty MappedRegion
	if err = first.Merge(&empty); err != nil {
		t.Fatalf("expected merging an empty region to be a no-op; got %v", err)
	}
}
