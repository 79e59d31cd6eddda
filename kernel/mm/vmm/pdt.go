package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mm"
)

var (
	// activePDTFrame tracks the root frame of the table installed by the
	// most recent call to Activate.
	activePDTFrame = mm.InvalidFrame

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when trying to map a virtual page that
	// is already backed by a physical frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// TableFrameAllocator is implemented by allocators that can supply frames for
// page table structures.
type TableFrameAllocator interface {
	AllocTableFrame() (mm.Frame, *kernel.Error)
}

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// NewPageDirectoryTable allocates and clears the root frame for a new page
// directory table.
func NewPageDirectoryTable(frames TableFrameAllocator) (PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := frames.AllocTableFrame()
	if err != nil {
		return PageDirectoryTable{}, err
	}

	kernel.Memset(mm.PhysToVirt(pdtFrame.Address()), 0, mm.PageSize)
	return PageDirectoryTable{pdtFrame: pdtFrame}, nil
}

// Frame returns the physical frame that holds the root table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables at each paging level are allocated using frames
// and cleared before use.
//
// Map refuses to replace an existing mapping and returns ErrAlreadyMapped
// instead; a frame can only become reachable through a different page after
// the original page is unmapped.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, frames TableFrameAllocator) *kernel.Error {
	var err *kernel.Error

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			if pdt.IsActive() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = frames.AllocTableFrame()
			if err != nil {
				return false
			}

			kernel.Memset(mm.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map and returns
// the frame that backed the page.
func (pdt PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear
		// the entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			*pte = 0
			if pdt.IsActive() {
				flushTLBEntryFn(page.Address())
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	if err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err      *kernel.Error
		physAddr uintptr
	)

	walk(pdt.pdtFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			// Calculate the physical address by taking the physical
			// frame address and appending the offset from the
			// virtual address
			physAddr = pte.Frame().Address() + PageOffset(virtAddr)
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return physAddr, err
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
	activePDTFrame = pdt.pdtFrame
}

// IsActive returns true if this is the page directory table that was
// installed by the last call to Activate.
func (pdt PageDirectoryTable) IsActive() bool {
	return activePDTFrame == pdt.pdtFrame
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
