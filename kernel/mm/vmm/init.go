package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/pmm"
	"kestrel/multiboot"
	"unsafe"
)

const (
	// maxStackSections is the number of ELF stack sections that Init can
	// process.
	maxStackSections = maxListRegions
)

var (
	// pmmInitFn is used by tests to override calls to pmm.Init and is
	// automatically inlined by the compiler.
	pmmInitFn = pmm.Init

	// layout is populated by scanKernelSections.
	layout kernelLayout

	errMissingSection      = &kernel.Error{Module: "vmm", Message: "kernel image does not contain text, rodata and data sections"}
	errMissingStack        = &kernel.Error{Module: "vmm", Message: "kernel image does not contain a stack section"}
	errOverlappingSections = &kernel.Error{Module: "vmm", Message: "kernel image sections overlap"}
	errTooManyStacks       = &kernel.Error{Module: "vmm", Message: "kernel image contains too many stack sections"}
)

// BootInfo is implemented by boot information sources that describe the
// system memory and the layout of the loaded kernel image.
type BootInfo interface {
	pmm.MemoryMap

	// VisitElfSections invokes the visitor for each kernel image section.
	VisitElfSections(multiboot.ElfSectionVisitor)

	// PhysRange returns the physical address and size of the boot
	// information itself.
	PhysRange() (uintptr, uintptr)
}

// InitResult describes the address space assembled by Init.
type InitResult struct {
	// Frames is the physical frame allocator.
	Frames *pmm.FrameAllocator

	// PageTable is the new kernel page directory table.
	PageTable PageDirectoryTable

	// Text, Rodata and Data map the kernel image sections.
	Text, Rodata, Data MappedRegion

	// StackGuard is the reserved but unmapped page below the stack.
	StackGuard mm.Page

	// StackPages holds the mapped stack pages in the order the
	// stack sections appear in the kernel image. They have not been
	// checked for contiguity.
	StackPages RegionList

	// HigherHalf maps the page table pool and the boot console
	// framebuffer into the physical memory window.
	HigherHalf RegionList

	// Identity holds the 1:1 mappings for the boot information.
	Identity RegionList
}

// kernelLayout captures the page extents of the kernel image sections.
type kernelLayout struct {
	text, rodata, data mm.PageRange
	stacks             [maxStackSections]mm.PageRange
	stackCount         int

	// physical extent of the kernel image
	physStart, physEnd uintptr
}

// Init builds a new page directory table for the kernel. It initializes the
// physical frame allocator using info, maps the kernel image sections with
// the appropriate permissions, maps the stack sections behind a guard page,
// maps the page table pool and the boot console into the physical memory
// window and identity maps the boot information.
//
// Init does not activate the returned table. If Init fails, the currently
// active address space is left untouched and no cleanup is required.
//
// Init resets all page reservations, the discard registry and the memory
// management info built by InitPostHeap.
func Init(info BootInfo) (InitResult, *kernel.Error) {
	var res InitResult

	if err := scanKernelSections(info); err != nil {
		return res, err
	}

	infoStart, infoSize := info.PhysRange()

	var err *kernel.Error
	if res.Frames, err = pmmInitFn(info,
		pmm.PhysRange{Start: layout.physStart, Size: layout.physEnd - layout.physStart},
		pmm.PhysRange{Start: infoStart, Size: infoSize},
	); err != nil {
		return res, err
	}

	resetPages()
	resetDiscarded()
	resetPostHeap()

	frames := res.Frames.Lock()
	defer res.Frames.Unlock()

	if res.PageTable, err = NewPageDirectoryTable(frames); err != nil {
		return res, err
	}
	pdt := res.PageTable

	if res.Text, err = mapKernelSection(pdt, layout.text, FlagPresent, frames); err != nil {
		return res, err
	}
	if res.Rodata, err = mapKernelSection(pdt, layout.rodata, FlagPresent|FlagNoExecute, frames); err != nil {
		return res, err
	}
	if res.Data, err = mapKernelSection(pdt, layout.data, FlagPresent|FlagRW|FlagNoExecute, frames); err != nil {
		return res, err
	}
	kfmt.Printf("[vmm] kernel text: 0x%x-0x%x, rodata: 0x%x-0x%x, data: 0x%x-0x%x\n",
		res.Text.Start(), res.Text.End(), res.Rodata.Start(), res.Rodata.End(), res.Data.Start(), res.Data.End())

	// The first page of the first stack section is left unmapped so
	// that stack overflows trigger a page fault.
	res.StackGuard = layout.stacks[0].Start
	if _, err = AllocatePagesAt(res.StackGuard.Address(), mm.PageSize); err != nil {
		return res, err
	}

	for i := 0; i < layout.stackCount; i++ {
		pages := layout.stacks[i]
		if i == 0 {
			pages.Start, pages.Count = pages.Start+1, pages.Count-1
		}

		if pages.Empty() {
			continue
		}

		region, err := mapKernelSection(pdt, pages, FlagPresent|FlagRW|FlagNoExecute, frames)
		if err != nil {
			return res, err
		}

		if err = res.StackPages.Push(&region); err != nil {
			return res, err
		}
	}

	poolStart, poolFrames := frames.TablePool()
	poolPages, err := AllocatePagesAt(mm.PhysMemOffset+poolStart.Address(), poolFrames<<mm.PageShift)
	if err != nil {
		return res, err
	}
	higherHalf, err := pdt.MapFrames(poolPages, poolStart, FlagPresent|FlagRW|FlagNoExecute|FlagGlobal, frames)
	if err != nil {
		return res, err
	}
	if err = res.HigherHalf.Push(&higherHalf); err != nil {
		return res, err
	}

	// Keep the boot console reachable through the physical memory window.
	consolePages, err := AllocatePagesAt(mm.PhysMemOffset+mm.EarlyConsoleFramebuffer, mm.EarlyConsoleColumns*mm.EarlyConsoleRows*2)
	if err != nil {
		return res, err
	}
	console, err := pdt.MapFrames(consolePages, mm.FrameFromAddress(mm.EarlyConsoleFramebuffer), FlagPresent|FlagRW|FlagNoExecute|FlagGlobal, frames)
	if err != nil {
		return res, err
	}
	if err = res.HigherHalf.Push(&console); err != nil {
		return res, err
	}

	identity, err := pdt.IdentityMap(mm.FrameFromAddress(infoStart), PageOffset(infoStart)+infoSize, FlagPresent|FlagNoExecute, frames)
	if err != nil {
		return res, err
	}
	if err = res.Identity.Push(&identity); err != nil {
		return res, err
	}

	kfmt.Printf("[vmm] stack guard page: 0x%x, stack regions: %d, boot info identity mapped at 0x%x\n",
		res.StackGuard.Address(), res.StackPages.Len(), res.Identity.At(0).Start())
	return res, nil
}

// mapKernelSection reserves the pages of a kernel image section and maps them
// to the physical frames where the bootloader loaded the section.
func mapKernelSection(pdt PageDirectoryTable, pages mm.PageRange, flags PageTableEntryFlag, frames TableFrameAllocator) (MappedRegion, *kernel.Error) {
	reserved, err := AllocatePagesAt(pages.Start.Address(), pages.Count<<mm.PageShift)
	if err != nil {
		return MappedRegion{}, err
	}

	return pdt.MapFrames(reserved, mm.FrameFromAddress(reserved.Start.Address()-mm.KernelPageOffset), flags, frames)
}

// scanKernelSections populates layout with the page extents of the kernel
// image sections that live in the kernel's VMA. Sections named .stack or
// .stack.* are stack sections; all other sections are classified by their
// flags.
func scanKernelSections(info BootInfo) *kernel.Error {
	var err *kernel.Error

	layout = kernelLayout{physStart: ^uintptr(0)}

	visitor := func(name string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// not using the kernel's VMA
		if err != nil || secAddress < mm.KernelPageOffset || secSize == 0 {
			return
		}

		pages := mm.PageRangeFor(secAddress, uintptr(secSize))
		if physStart := pages.Start.Address() - mm.KernelPageOffset; physStart < layout.physStart {
			layout.physStart = physStart
		}
		if physEnd := pages.End().Address() - mm.KernelPageOffset; physEnd > layout.physEnd {
			layout.physEnd = physEnd
		}

		switch {
		case isStackSection(name):
			if layout.stackCount == maxStackSections {
				err = errTooManyStacks
				return
			}
			layout.stacks[layout.stackCount] = pages
			layout.stackCount++
		case secFlags&multiboot.ElfSectionExecutable != 0:
			extendRange(&layout.text, pages)
		case secFlags&multiboot.ElfSectionWritable != 0:
			extendRange(&layout.data, pages)
		default:
			extendRange(&layout.rodata, pages)
		}
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	info.VisitElfSections(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	switch {
	case err != nil:
		return err
	case layout.text.Empty() || layout.rodata.Empty() || layout.data.Empty():
		return errMissingSection
	case layout.stackCount == 0:
		return errMissingStack
	}

	extents := [3]mm.PageRange{layout.text, layout.rodata, layout.data}
	for i := 0; i < len(extents); i++ {
		for j := i + 1; j < len(extents); j++ {
			if extents[i].Overlaps(extents[j]) {
				return errOverlappingSections
			}
		}

		for j := 0; j < layout.stackCount; j++ {
			if extents[i].Overlaps(layout.stacks[j]) {
				return errOverlappingSections
			}
		}
	}

	return nil
}

// isStackSection returns true for sections named .stack or .stack.*.
func isStackSection(name string) bool {
	const stackName = ".stack"
	if len(name) < len(stackName) || name[:len(stackName)] != stackName {
		return false
	}
	return len(name) == len(stackName) || name[len(stackName)] == '.'
}

// extendRange grows r so that it also covers other.
func extendRange(r *mm.PageRange, other mm.PageRange) {
	if r.Empty() {
		*r = other
		return
	}

	start, end := r.Start, r.End()
	if other.Start < start {
		start = other.Start
	}
	if other.End() > end {
		end = other.End()
	}
	*r = mm.PageRange{Start: start, Count: uintptr(end - start)}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
