package vmm

import (
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/multiboot"
	"runtime"
	"testing"
	"unsafe"
)

const (
	// arenaFrames is the amount of simulated physical memory (8M).
	arenaFrames = 2048
)

// withPhysArena backs the physical memory window with a page-aligned buffer
// of arenaFrames frames for the duration of the test and returns the
// virtual address of physical address 0.
func withPhysArena(t *testing.T) uintptr {
	buf := make([]byte, (arenaFrames+1)*mm.PageSize)
	base := (uintptr(unsafe.Pointer(&buf[0])) + mm.PageSize - 1) &^ (mm.PageSize - 1)

	prevOffset := mm.SetPhysMemOffset(base)
	t.Cleanup(func() {
		mm.SetPhysMemOffset(prevOffset)
		runtime.KeepAlive(buf)
	})

	return base
}

// testMemMap reports [1M, 8M) as available memory.
var testMemMap = []multiboot.MemoryMapEntry{
	{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemReserved},
	{PhysAddress: 0x100000, Length: 0x700000, Type: multiboot.MemAvailable},
}

type testSection struct {
	name  string
	flags multiboot.ElfSectionFlag
	addr  uintptr
	size  uint64
}

type testBootInfo struct {
	regions             []multiboot.MemoryMapEntry
	sections            []testSection
	infoStart, infoSize uintptr
}

func (b *testBootInfo) VisitMemRegions(visitor multiboot.MemRegionVisitor) {
	for i := range b.regions {
		if !visitor(&b.regions[i]) {
			return
		}
	}
}

func (b *testBootInfo) VisitElfSections(visitor multiboot.ElfSectionVisitor) {
	for _, sec := range b.sections {
		visitor(sec.name, sec.flags, sec.addr, sec.size)
	}
}

func (b *testBootInfo) PhysRange() (uintptr, uintptr) {
	return b.infoStart, b.infoSize
}

// kernelImage returns boot information for a kernel image loaded at 1M.
func kernelImage() *testBootInfo {
	const (
		exec  = multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable
		ro    = multiboot.ElfSectionAllocated
		rw    = multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable
		kbase = mm.KernelPageOffset + 0x100000
	)

	regions := make([]multiboot.MemoryMapEntry, len(testMemMap))
	copy(regions, testMemMap)

	return &testBootInfo{
		regions: regions,
		sections: []testSection{
			{".text", exec, kbase, 0x3000},
			{".rodata", ro, kbase + 0x3000, 0x1000},
			{".data", rw, kbase + 0x4000, 0x2000},
			{".bss", rw, kbase + 0x6000, 0x800},
			{".stack", rw, kbase + 0x7000, 0x4000},
			{".shstrtab", 0, 0, 0x100},
		},
		infoStart: 0x9010,
		infoSize:  0x200,
	}
}

// testFrames initializes the frame allocator over the simulated physical
// memory and returns it locked. The lock is released when the test ends.
func testFrames(t *testing.T) *pmm.Frames {
	alloc, err := pmm.Init(&testBootInfo{regions: testMemMap})
	if err != nil {
		t.Fatal(err)
	}

	frames := alloc.Lock()
	t.Cleanup(alloc.Unlock)
	return frames
}

// resetVMM clears the package state shared between tests.
func resetVMM(t *testing.T) {
	resetPages()
	resetDiscarded()
	resetPostHeap()

	origActive := activePDTFrame
	t.Cleanup(func() {
		activePDTFrame = origActive
		resetPages()
		resetDiscarded()
		resetPostHeap()
	})
}
