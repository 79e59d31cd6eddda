// Package mm defines the physical and virtual memory primitives shared by the
// memory management packages together with the build-time memory layout.
package mm

import (
	"kestrel/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a free physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame obtained by AllocFrame.
	FreeFrame(Frame) *kernel.Error
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. In the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageRange describes Count consecutive virtual pages beginning at Start.
type PageRange struct {
	Start Page
	Count uintptr
}

// PageRangeFor returns the smallest PageRange that covers the size bytes
// starting at virtAddr.
func PageRangeFor(virtAddr, size uintptr) PageRange {
	if size == 0 {
		return PageRange{Start: PageFromAddress(virtAddr)}
	}

	first := PageFromAddress(virtAddr)
	last := PageFromAddress(virtAddr + size - 1)
	return PageRange{Start: first, Count: uintptr(last-first) + 1}
}

// End returns the first page past the range.
func (r PageRange) End() Page {
	return r.Start + Page(r.Count)
}

// Empty returns true if the range contains no pages.
func (r PageRange) Empty() bool {
	return r.Count == 0
}

// Contains returns true if page p belongs to the range.
func (r PageRange) Contains(p Page) bool {
	return p >= r.Start && p < r.End()
}

// Overlaps returns true if the two ranges share at least one page.
func (r PageRange) Overlaps(other PageRange) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Start < other.End() && other.Start < r.End()
}
