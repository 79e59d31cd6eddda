// Package pmm implements the kernel's physical frame allocator.
package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
	"kestrel/multiboot"
	"unsafe"
)

var (
	// allocator is the frame allocator instance returned by Init.
	allocator FrameAllocator

	errNoMemory = &kernel.Error{Module: "pmm", Message: "not enough physical memory to bootstrap the frame allocator"}
)

// MemoryMap is implemented by boot information sources that can enumerate
// the system's physical memory regions.
type MemoryMap interface {
	VisitMemRegions(multiboot.MemRegionVisitor)
}

// PhysRange describes a range of physical memory that must never be handed
// out by the frame allocator.
type PhysRange struct {
	Start uintptr
	Size  uintptr
}

// Frames groups the general purpose frame allocator with the pool of frames
// reserved for page table structures. Page table frames are always
// contiguous so that they can be mapped as a single region into the kernel's
// physical memory window.
type Frames struct {
	general BitmapAllocator
	tables  BitmapAllocator
}

// AllocFrame reserves a general purpose physical frame.
func (f *Frames) AllocFrame() (mm.Frame, *kernel.Error) {
	return f.general.AllocFrame()
}

// FreeFrame releases a frame obtained by AllocFrame.
func (f *Frames) FreeFrame(frame mm.Frame) *kernel.Error {
	return f.general.FreeFrame(frame)
}

// AllocTableFrame reserves a frame from the page table pool.
func (f *Frames) AllocTableFrame() (mm.Frame, *kernel.Error) {
	return f.tables.AllocFrame()
}

// FreeTableFrame releases a frame obtained by AllocTableFrame.
func (f *Frames) FreeTableFrame(frame mm.Frame) *kernel.Error {
	return f.tables.FreeFrame(frame)
}

// TablePool returns the first frame and the size in frames of the page
// table pool.
func (f *Frames) TablePool() (mm.Frame, uintptr) {
	return f.tables.base, f.tables.frameCount
}

// FreeCount returns the number of available general purpose frames.
func (f *Frames) FreeCount() uintptr {
	return f.general.FreeCount()
}

// FrameAllocator serializes access to the kernel's physical frames. Callers
// must obtain the Frames through Lock and hand them back with Unlock after
// completing a single mutating operation.
type FrameAllocator struct {
	lock   sync.Spinlock
	frames Frames
}

// Lock acquires the allocator's spinlock and returns the guarded frames.
func (a *FrameAllocator) Lock() *Frames {
	a.lock.Acquire()
	return &a.frames
}

// Unlock releases the allocator's spinlock.
func (a *FrameAllocator) Unlock() {
	a.lock.Release()
}

// Init sets up the frame allocator using the available regions reported by
// the memory map. Frame 0 and the supplied reserved ranges are never handed
// out. Once the general allocator is ready, a contiguous run of
// mm.PageTablePoolFrames frames is carved out of it and dedicated to page
// table structures.
//
// Calling Init again discards all previous allocator state.
func Init(memMap MemoryMap, reserved ...PhysRange) (*FrameAllocator, *kernel.Error) {
	frames := allocator.Lock()
	defer allocator.Unlock()

	var (
		pageSizeMinus1 = uint64(mm.PageSize - 1)
		maxFrame       uintptr
		visitor        multiboot.MemRegionVisitor
	)

	kfmt.Printf("[pmm] system memory map:\n")
	visitor = func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round down to
		// get the end frame.
		if endFrame := uintptr((region.PhysAddress + region.Length) >> mm.PageShift); endFrame > maxFrame {
			maxFrame = endFrame
		}
		return true
	}
	visitMemRegions(memMap, visitor)

	if maxFrame > mm.MaxPhysFrames {
		kfmt.Printf("[pmm] ignoring physical memory above frame 0x%x\n", mm.MaxPhysFrames)
		maxFrame = mm.MaxPhysFrames
	}

	frames.general.init(0, maxFrame)
	frames.tables.init(0, 0)

	visitor = func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Round up to get the start frame and round down to get the
		// end frame.
		startFrame := mm.Frame((region.PhysAddress + pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame((region.PhysAddress + region.Length) >> mm.PageShift)
		if endFrame > startFrame {
			frames.general.markFree(startFrame, uintptr(endFrame-startFrame))
		}
		return true
	}
	visitMemRegions(memMap, visitor)

	frames.general.MarkUsed(0, 1)
	for _, r := range reserved {
		if r.Size == 0 {
			continue
		}
		startFrame := mm.FrameFromAddress(r.Start)
		endFrame := mm.FrameFromAddress(r.Start + r.Size - 1)
		frames.general.MarkUsed(startFrame, uintptr(endFrame-startFrame)+1)
	}

	if frames.general.FreeCount() == 0 {
		return nil, errNoMemory
	}

	poolStart, err := frames.general.AllocContiguous(mm.PageTablePoolFrames)
	if err != nil {
		return nil, errNoMemory
	}
	frames.tables.init(poolStart, mm.PageTablePoolFrames)
	frames.tables.markFree(poolStart, mm.PageTablePoolFrames)

	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(frames.general.FreeCount())*uint64(mm.PageSize)/uint64(mm.Kb))
	kfmt.Printf("[pmm] page table pool: %d frames at 0x%x\n", mm.PageTablePoolFrames, poolStart.Address())
	return &allocator, nil
}

// visitMemRegions uses the noescape hack to prevent the compiler from leaking
// the visitor function literal to the heap.
func visitMemRegions(memMap MemoryMap, visitor multiboot.MemRegionVisitor) {
	memMap.VisitMemRegions(
		*(*multiboot.MemRegionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
