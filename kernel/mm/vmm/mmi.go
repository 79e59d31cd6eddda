package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

var (
	// kernelMMI is the handle returned by InitPostHeap.
	kernelMMI MMIRef

	// finalized is set once InitPostHeap succeeds.
	finalized bool

	// allocatePagesFn is used by tests to override calls to AllocatePages
	// and is automatically inlined by the compiler.
	allocatePagesFn = AllocatePages

	errAlreadyFinalized = &kernel.Error{Module: "vmm", Message: "kernel memory management info has already been initialized"}
)

// MemoryManagementInfo describes the kernel address space once the kernel
// heap is available.
type MemoryManagementInfo struct {
	// PageTable is the active kernel page directory table.
	PageTable PageDirectoryTable

	// ExtraMappings holds regions that back the page tables themselves
	// and must never be released.
	ExtraMappings RegionList

	// Heap maps the kernel heap.
	Heap MappedRegion

	// StackRegion is the virtual address space reserved for kernel
	// stacks allocated after boot.
	StackRegion mm.PageRange
}

// MMIRef provides serialized access to the kernel MemoryManagementInfo. Any
// code that mutates the kernel address space must hold the lock.
type MMIRef struct {
	lock sync.Spinlock
	info MemoryManagementInfo
}

// Lock acquires the handle's spinlock and returns the guarded info.
func (ref *MMIRef) Lock() *MemoryManagementInfo {
	ref.lock.Acquire()
	return &ref.info
}

// Unlock releases the handle's spinlock.
func (ref *MMIRef) Unlock() {
	ref.lock.Release()
}

// InitPostHeap moves the page table, the page table pool mappings and the
// heap region into the kernel memory management info and reserves the
// virtual address space for kernel stacks. It returns the handle together
// with the non-empty identity mappings, which the caller must release once
// the boot information is no longer needed.
//
// On success higherHalf and heap are left empty. On failure every region
// passed to InitPostHeap is discarded as it is already in use by the running
// kernel.
func InitPostHeap(pdt PageDirectoryTable, higherHalf, identity *RegionList, heap *MappedRegion) (*MMIRef, RegionList, *kernel.Error) {
	if finalized {
		discardPostHeap(higherHalf, identity, heap)
		return nil, RegionList{}, errAlreadyFinalized
	}

	stackRegion, err := allocatePagesFn(mm.KernelStackRegionSize)
	if err != nil {
		discardPostHeap(higherHalf, identity, heap)
		return nil, RegionList{}, err
	}

	info := kernelMMI.Lock()
	info.PageTable = pdt
	info.ExtraMappings = *higherHalf
	info.ExtraMappings.Compact()
	info.Heap = *heap
	info.StackRegion = stackRegion
	kernelMMI.Unlock()

	*higherHalf = RegionList{}
	*heap = MappedRegion{}
	finalized = true

	identity.Compact()
	remaining := *identity
	*identity = RegionList{}

	kfmt.Printf("[vmm] reserved kernel stack region at 0x%x (%d pages)\n", stackRegion.Start.Address(), stackRegion.Count)
	return &kernelMMI, remaining, nil
}

func discardPostHeap(higherHalf, identity *RegionList, heap *MappedRegion) {
	higherHalf.DiscardAll()
	identity.DiscardAll()
	heap.Discard()
}

// resetPostHeap clears the state built by InitPostHeap.
func resetPostHeap() {
	kernelMMI.Lock()
	kernelMMI.info = MemoryManagementInfo{}
	kernelMMI.Unlock()
	finalized = false
}
