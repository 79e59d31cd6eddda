package vmm

import (
	"kestrel/kernel/mm"
	"unsafe"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in rootFrame. It calls the suppplied walkFn with the page
// table entry that corresponds to each page table level. If walkFn returns
// false then the walk is aborted.
//
// Tables are accessed through the physical memory window. After walkFn
// returns for an intermediate level, the walk descends into the frame the
// entry points to, so walkFn may install a missing table before returning.
func walk(rootFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		entry                            *pageTableEntry
	)

	for level, tableAddr = uint8(0), mm.PhysToVirt(rootFrame.Address()); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mm.PointerShift)
		entry = (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !walkFn(level, entry) {
			return
		}

		tableAddr = mm.PhysToVirt(entry.Frame().Address())
	}
}
