// Package meminit drives the kernel memory bootstrap. It turns the address
// space assembled by vmm.Init into a running kernel memory subsystem: the new
// page table is activated, the initial stack is validated, the kernel heap is
// mapped and activated and the memory management info is finalized.
//
// Once the new page table is active, the kernel text, data, stack and the
// mappings backing the page tables themselves are in use by the running
// code. None of the failure paths below ever unmaps them; such regions are
// discarded instead so they stay mapped until the system halts.
package meminit

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/heap"
	"kestrel/kernel/mm/stack"
	"kestrel/kernel/mm/vmm"
)

var (
	// The following functions are used by tests to mock the memory
	// subsystem and are automatically inlined by the compiler.
	vmmInitFn        = vmm.Init
	activatePDTFn    = vmm.PageDirectoryTable.Activate
	stackFromPagesFn = stack.FromPages
	initPostHeapFn   = vmm.InitPostHeap
	activateHeapFn   = heap.InitSingleHeap

	// heapStart and heapInitialSize control the placement of the kernel
	// heap.
	heapStart       = mm.KernelHeapStart
	heapInitialSize = mm.KernelHeapInitialSize

	// initialized is set by the first call to InitMemoryManagement.
	initialized bool

	// ErrStackNotContiguous is returned when the stack sections of the
	// kernel image do not form a single run of pages above the guard page.
	ErrStackNotContiguous = &kernel.Error{Module: "meminit", Message: "kernel stack pages are not contiguous"}

	// ErrHeapReservationFailed is returned when the virtual address range
	// for the kernel heap is not available.
	ErrHeapReservationFailed = &kernel.Error{Module: "meminit", Message: "unable to reserve virtual address range [KernelHeapStart, KernelHeapStart+KernelHeapInitialSize) for the kernel heap"}

	// ErrHeapMappingFailed is returned when the kernel heap pages cannot be
	// backed by physical memory.
	ErrHeapMappingFailed = &kernel.Error{Module: "meminit", Message: "unable to map the kernel heap at KernelHeapStart; KernelHeapInitialSize may exceed the available physical memory"}

	// ErrAlreadyInitialized is returned by every call to
	// InitMemoryManagement after the first one.
	ErrAlreadyInitialized = &kernel.Error{Module: "meminit", Message: "memory management has already been initialized"}
)

// Result holds the resources produced by a successful InitMemoryManagement
// call. The caller must keep the text, rodata and data regions and the stack
// resident for the lifetime of the kernel. The identity mapped regions expose
// the boot information and should be released once it is no longer needed.
type Result struct {
	MMI                *vmm.MMIRef
	Text, Rodata, Data vmm.MappedRegion
	Stack              stack.Stack
	Identity           vmm.RegionList
}

// bootstrap tracks the resources owned by InitMemoryManagement while it runs.
type bootstrap struct {
	init  vmm.InitResult
	stack stack.Stack
}

// discardCritical abandons every region that the running kernel depends on.
func (b *bootstrap) discardCritical() {
	b.init.Text.Discard()
	b.init.Rodata.Discard()
	b.init.Data.Discard()
	b.init.HigherHalf.DiscardAll()
	b.init.Identity.DiscardAll()
	b.init.StackPages.DiscardAll()
	b.stack.Discard()
}

// InitMemoryManagement builds and activates the kernel address space
// described by info, sets up the initial stack and the kernel heap and
// returns the resulting memory management state. It may only be called once;
// any subsequent call fails with ErrAlreadyInitialized.
func InitMemoryManagement(info vmm.BootInfo) (Result, *kernel.Error) {
	if initialized {
		return Result{}, ErrAlreadyInitialized
	}
	initialized = true

	var (
		b   bootstrap
		err *kernel.Error
	)

	// Nothing is in use until the new table is activated so a failure
	// here requires no cleanup.
	if b.init, err = vmmInitFn(info); err != nil {
		return Result{}, err
	}
	activatePDTFn(b.init.PageTable)

	if b.stack, err = stackFromPagesFn(b.init.StackGuard, &b.init.StackPages); err != nil {
		b.discardCritical()
		return Result{}, ErrStackNotContiguous
	}

	heapPages, err := vmm.AllocatePagesAt(heapStart, heapInitialSize)
	if err != nil {
		b.discardCritical()
		return Result{}, ErrHeapReservationFailed
	}

	frames := b.init.Frames.Lock()
	heapRegion, err := b.init.PageTable.MapAllocatedPages(heapPages, heap.Flags, frames)
	b.init.Frames.Unlock()
	if err != nil {
		kfmt.Printf("[meminit] unable to map %d bytes of kernel heap at 0x%x: %s\n", heapInitialSize, heapStart, err.Message)
		b.discardCritical()
		return Result{}, ErrHeapMappingFailed
	}

	heapAddr, heapSize := heapRegion.Start(), heapRegion.Size()
	activateHeapFn(heapAddr, heapSize)

	mmi, identity, err := initPostHeapFn(b.init.PageTable, &b.init.HigherHalf, &b.init.Identity, &heapRegion)
	if err != nil {
		b.discardCritical()
		return Result{}, err
	}

	kfmt.Printf("[meminit] kernel stack: 0x%x-0x%x, heap: 0x%x-0x%x\n",
		b.stack.Bottom(), b.stack.Top(), heapAddr, heapAddr+heapSize)

	return Result{
		MMI:      mmi,
		Text:     b.init.Text,
		Rodata:   b.init.Rodata,
		Data:     b.init.Data,
		Stack:    b.stack,
		Identity: identity,
	}, nil
}
