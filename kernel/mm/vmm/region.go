package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

const (
	// maxDiscardedRegions is the number of discarded regions whose
	// descriptors are retained by the discard registry.
	maxDiscardedRegions = 256
)

var (
	// discarded holds the regions passed to Discard.
	discarded discardRegistry

	errRegionMismatch = &kernel.Error{Module: "vmm", Message: "regions are not adjacent or use different mapping attributes"}
)

// FrameSource is implemented by allocators that supply both general purpose
// frames and page table frames.
type FrameSource interface {
	mm.FrameAllocator
	TableFrameAllocator
}

// MappedRegion describes a range of virtual pages with present page table
// entries in a particular page directory table.
//
// A MappedRegion is exclusively owned by the value that holds it. Its owner
// disposes of it either via Release, which unmaps the pages, or via Discard
// which abandons the region while leaving every mapping in place. Copying a
// MappedRegion does not duplicate ownership; the copy from which ownership
// was moved must be cleared or discarded.
type MappedRegion struct {
	pages      mm.PageRange
	flags      PageTableEntryFlag
	table      mm.Frame
	ownsFrames bool
}

// MapAllocatedPages backs each page in pages with a newly allocated, cleared
// frame. The pages must have been reserved by the caller. The returned region
// owns its frames and frees them when released.
//
// If a frame cannot be allocated or mapped, every page mapped so far is
// unmapped, the frames are freed and the reservation for pages is released.
func (pdt PageDirectoryTable) MapAllocatedPages(pages mm.PageRange, flags PageTableEntryFlag, frames FrameSource) (MappedRegion, *kernel.Error) {
	region := MappedRegion{
		pages:      mm.PageRange{Start: pages.Start},
		flags:      flags,
		table:      pdt.pdtFrame,
		ownsFrames: true,
	}

	for page := pages.Start; page < pages.End(); page++ {
		frame, err := frames.AllocFrame()
		if err != nil {
			region.rollback(pages, frames)
			return MappedRegion{}, err
		}

		// Frames of an inactive table are only reachable through the
		// physical memory window.
		zeroViaPage := pdt.IsActive() && flags&FlagRW != 0
		if !zeroViaPage {
			kernel.Memset(mm.PhysToVirt(frame.Address()), 0, mm.PageSize)
		}

		if err = pdt.Map(page, frame, flags, frames); err != nil {
			_ = frames.FreeFrame(frame)
			region.rollback(pages, frames)
			return MappedRegion{}, err
		}
		region.pages.Count++

		if zeroViaPage {
			kernel.Memset(page.Address(), 0, mm.PageSize)
		}
	}

	return region, nil
}

// MapFrames maps pages to the physical frames starting at startFrame. The
// pages must have been reserved by the caller. The returned region does not
// own the frames.
//
// If any page cannot be mapped, the pages mapped so far are unmapped and the
// reservation for pages is released.
func (pdt PageDirectoryTable) MapFrames(pages mm.PageRange, startFrame mm.Frame, flags PageTableEntryFlag, frames TableFrameAllocator) (MappedRegion, *kernel.Error) {
	region := MappedRegion{
		pages: mm.PageRange{Start: pages.Start},
		flags: flags,
		table: pdt.pdtFrame,
	}

	frame := startFrame
	for page := pages.Start; page < pages.End(); page, frame = page+1, frame+1 {
		if err := pdt.Map(page, frame, flags, frames); err != nil {
			region.rollback(pages, nil)
			return MappedRegion{}, err
		}
		region.pages.Count++
	}

	return region, nil
}

// IdentityMap reserves the virtual pages overlapping the physical memory
// region which starts at startFrame and ends at startFrame + pages(size) and
// maps each page to the frame with the same address.
func (pdt PageDirectoryTable) IdentityMap(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, frames TableFrameAllocator) (MappedRegion, *kernel.Error) {
	pages, err := AllocatePagesAt(startFrame.Address(), size)
	if err != nil {
		return MappedRegion{}, err
	}

	return pdt.MapFrames(pages, startFrame, flags, frames)
}

// rollback undoes a partially constructed region and releases the
// reservation for the full set of requested pages.
func (r *MappedRegion) rollback(reserved mm.PageRange, frames mm.FrameAllocator) {
	_ = r.unmapPages(frames)
	ReleasePages(reserved)
	*r = MappedRegion{}
}

// unmapPages removes the mappings for all pages in the region and frees the
// backing frames if the region owns them. It keeps going after an error and
// reports the first one.
func (r *MappedRegion) unmapPages(frames mm.FrameAllocator) *kernel.Error {
	var (
		pdt      = PageDirectoryTable{pdtFrame: r.table}
		firstErr *kernel.Error
	)

	for page := r.pages.Start; page < r.pages.End(); page++ {
		frame, err := pdt.Unmap(page)
		if err == nil && r.ownsFrames {
			err = frames.FreeFrame(frame)
		}

		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Release unmaps the region, frees any frames owned by it and returns its
// pages to the pool of available virtual pages. The region becomes empty.
// Calling Release on an empty region has no effect.
//
// Release must never be invoked on a region backing code, data or page
// tables that are currently in use.
func (r *MappedRegion) Release(frames mm.FrameAllocator) *kernel.Error {
	if r.Empty() {
		return nil
	}

	err := r.unmapPages(frames)
	ReleasePages(r.pages)
	*r = MappedRegion{}
	return err
}

// Discard gives up ownership of the region without touching its mappings.
// The region descriptor is moved into a kernel-wide registry so its pages
// remain reserved and mapped for the remaining lifetime of the kernel. The
// region becomes empty. Calling Discard on an empty region has no effect.
func (r *MappedRegion) Discard() {
	if r.Empty() {
		return
	}

	discarded.add(*r)
	*r = MappedRegion{}
}

// Merge appends other to r. The two regions must belong to the same table,
// use the same flags and frame ownership and other must start at the page
// following the end of r. On success other becomes empty.
func (r *MappedRegion) Merge(other *MappedRegion) *kernel.Error {
	if other.Empty() {
		return nil
	}

	if !r.CanMerge(other) {
		return errRegionMismatch
	}

	r.pages.Count += other.pages.Count
	*other = MappedRegion{}
	return nil
}

// CanMerge returns true if other can be appended to r via Merge.
func (r *MappedRegion) CanMerge(other *MappedRegion) bool {
	return r.table == other.table &&
		r.flags == other.flags &&
		r.ownsFrames == other.ownsFrames &&
		r.pages.End() == other.pages.Start
}

// Empty returns true if the region contains no pages.
func (r *MappedRegion) Empty() bool { return r.pages.Empty() }

// Pages returns the pages spanned by the region.
func (r *MappedRegion) Pages() mm.PageRange { return r.pages }

// Start returns the virtual address of the first byte in the region.
func (r *MappedRegion) Start() uintptr { return r.pages.Start.Address() }

// End returns the virtual address following the last byte in the region.
func (r *MappedRegion) End() uintptr { return r.pages.End().Address() }

// Size returns the region size in bytes.
func (r *MappedRegion) Size() uintptr { return r.pages.Count << mm.PageShift }

// PageCount returns the number of pages in the region.
func (r *MappedRegion) PageCount() uintptr { return r.pages.Count }

// Flags returns the page table entry flags used for mapping the region.
func (r *MappedRegion) Flags() PageTableEntryFlag { return r.flags }

// Contains returns true if virtAddr falls inside the region.
func (r *MappedRegion) Contains(virtAddr uintptr) bool {
	return r.pages.Contains(mm.PageFromAddress(virtAddr))
}

// discardRegistry retains the descriptors of discarded regions. Once the
// registry is full, further discards are only counted.
type discardRegistry struct {
	lock    sync.Spinlock
	regions [maxDiscardedRegions]MappedRegion
	count   int
}

func (reg *discardRegistry) add(r MappedRegion) {
	reg.lock.Acquire()
	if reg.count < maxDiscardedRegions {
		reg.regions[reg.count] = r
	}
	reg.count++
	reg.lock.Release()
}

// DiscardedRegions returns the number of regions abandoned via Discard since
// the last call to Init.
func DiscardedRegions() int {
	discarded.lock.Acquire()
	defer discarded.lock.Release()
	return discarded.count
}

// resetDiscarded clears the discard registry.
func resetDiscarded() {
	discarded.lock.Acquire()
	discarded.count = 0
	discarded.lock.Release()
}
