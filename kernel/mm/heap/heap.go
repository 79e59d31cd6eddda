// Package heap implements the kernel heap allocator. The allocator manages a
// single, already mapped, virtual memory region using a first-fit list of
// blocks. Each block starts with a header recording its size and whether it
// is in use; headers live inside the managed region itself.
package heap

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm/vmm"
	"kestrel/kernel/sync"
	"unsafe"
)

const (
	// blockAlign is the alignment of every block and of every address
	// returned by Alloc.
	blockAlign = uintptr(16)

	headerSize = unsafe.Sizeof(blockHeader{})
)

var (
	// kernelHeap is the allocator activated by InitSingleHeap.
	kernelHeap Allocator

	// Flags are the page table entry flags used for mapping the heap.
	Flags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute

	// ErrNotInitialized is returned when allocating from a heap that has
	// not been activated.
	ErrNotInitialized = &kernel.Error{Module: "heap", Message: "heap has not been initialized"}

	// ErrOutOfMemory is returned when the heap has no free block large
	// enough to satisfy a request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "out of heap memory"}

	errInvalidFree = &kernel.Error{Module: "heap", Message: "address does not point to an allocated heap block"}
)

// blockHeader precedes the payload of every heap block. The size includes
// the header itself.
type blockHeader struct {
	size uintptr
	used uintptr
}

// Allocator is a first-fit allocator over a contiguous memory region.
type Allocator struct {
	lock        sync.Spinlock
	start, size uintptr
	initialized bool
}

// Init activates the allocator over the size bytes starting at start. The
// region must already be mapped read/write. Both start and size are trimmed
// to a multiple of the block alignment. Calling Init on an active allocator
// has no effect.
func (a *Allocator) Init(start, size uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.initialized {
		kfmt.Printf("[heap] ignoring request to re-initialize heap at 0x%x\n", start)
		return
	}

	alignedStart := (start + blockAlign - 1) &^ (blockAlign - 1)
	if size < alignedStart-start+headerSize+blockAlign {
		kfmt.Printf("[heap] region at 0x%x is too small (%d bytes)\n", start, size)
		return
	}
	size = (size - (alignedStart - start)) &^ (blockAlign - 1)

	a.start, a.size = alignedStart, size
	*a.header(alignedStart) = blockHeader{size: size}
	a.initialized = true
}

// Initialized returns true if the allocator has been activated.
func (a *Allocator) Initialized() bool {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.initialized
}

// Bounds returns the start address and size of the managed region.
func (a *Allocator) Bounds() (uintptr, uintptr) {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.start, a.size
}

// Alloc reserves a block of at least size bytes and returns its address.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return 0, ErrNotInitialized
	}

	if size == 0 || size > a.size {
		return 0, ErrOutOfMemory
	}
	need := headerSize + (size+blockAlign-1)&^(blockAlign-1)

	for addr, end := a.start, a.start+a.size; addr < end; {
		hdr := a.header(addr)
		if hdr.used == 0 && hdr.size >= need {
			// Split the block if the remainder can hold another
			// allocation.
			if rem := hdr.size - need; rem >= headerSize+blockAlign {
				*a.header(addr + need) = blockHeader{size: rem}
				hdr.size = need
			}
			hdr.used = 1
			return addr + headerSize, nil
		}
		addr += hdr.size
	}

	return 0, ErrOutOfMemory
}

// Free returns a block obtained via Alloc to the heap. Adjacent free blocks
// are coalesced.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	if !a.initialized {
		return ErrNotInitialized
	}

	if addr < a.start+headerSize || addr >= a.start+a.size || (addr-headerSize)&(blockAlign-1) != 0 {
		return errInvalidFree
	}

	// Walk the block list to make sure addr is the start of a used block.
	var prev *blockHeader
	for cur, end := a.start, a.start+a.size; cur < end; cur += a.header(cur).size {
		hdr := a.header(cur)
		if cur+headerSize != addr {
			prev = hdr
			continue
		}

		if hdr.used == 0 {
			return errInvalidFree
		}
		hdr.used = 0

		if next := cur + hdr.size; next < end && a.header(next).used == 0 {
			hdr.size += a.header(next).size
		}

		if prev != nil && prev.used == 0 {
			prev.size += hdr.size
		}
		return nil
	}

	return errInvalidFree
}

func (a *Allocator) header(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

// InitSingleHeap activates the kernel heap over an already mapped region.
func InitSingleHeap(start, size uintptr) {
	kernelHeap.Init(start, size)
	kfmt.Printf("[heap] kernel heap at 0x%x, size: %d bytes\n", start, size)
}

// Alloc reserves size bytes from the kernel heap.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Alloc(size)
}

// Free returns memory obtained via Alloc to the kernel heap.
func Free(addr uintptr) *kernel.Error {
	return kernelHeap.Free(addr)
}

// Bounds returns the region managed by the kernel heap.
func Bounds() (uintptr, uintptr) {
	return kernelHeap.Bounds()
}
