// Package stack manages kernel stacks. A kernel stack is a contiguous run of
// mapped pages sitting directly on top of an unmapped guard page; any write
// past the bottom of the stack hits the guard page and faults.
package stack

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/vmm"
)

var (
	// allocatePagesFn is used by tests to override calls to
	// vmm.AllocatePages.
	allocatePagesFn = vmm.AllocatePages

	// ErrNotContiguous is returned by FromPages when the supplied regions
	// do not form a single run of pages starting above the guard page.
	ErrNotContiguous = &kernel.Error{Module: "stack", Message: "stack pages are not contiguous"}

	errEmptyStack = &kernel.Error{Module: "stack", Message: "stack must span at least one page"}
)

// Stack describes a kernel stack and the guard page below it.
type Stack struct {
	guard  mm.Page
	region vmm.MappedRegion
}

// FromPages assembles a Stack out of the mapped regions in pages. The first
// region must start at the page following guard and each subsequent region
// must start where the previous one ends. On success, the regions are moved
// out of pages and merged into the returned stack.
//
// On failure, pages is left untouched so that the caller can dispose of it.
func FromPages(guard mm.Page, pages *vmm.RegionList) (Stack, *kernel.Error) {
	if pages.Len() == 0 {
		return Stack{}, ErrNotContiguous
	}

	first := pages.At(0)
	if first.Empty() || first.Pages().Start != guard+1 {
		return Stack{}, ErrNotContiguous
	}

	for i := 1; i < pages.Len(); i++ {
		if !pages.At(i-1).CanMerge(pages.At(i)) {
			return Stack{}, ErrNotContiguous
		}
	}

	s := Stack{guard: guard, region: pages.Take(0)}
	for i := 1; i < pages.Len(); i++ {
		r := pages.Take(i)
		_ = s.region.Merge(&r)
	}
	pages.Compact()

	return s, nil
}

// Alloc reserves pageCount+1 pages of kernel virtual address space and maps
// newly allocated frames to all of them except the lowest which becomes the
// guard page.
func Alloc(pdt vmm.PageDirectoryTable, pageCount uintptr, frames vmm.FrameSource) (Stack, *kernel.Error) {
	if pageCount == 0 {
		return Stack{}, errEmptyStack
	}

	reserved, err := allocatePagesFn((pageCount + 1) << mm.PageShift)
	if err != nil {
		return Stack{}, err
	}

	// MapAllocatedPages releases the pages it was given on failure.
	guard := reserved.Start
	region, err := pdt.MapAllocatedPages(mm.PageRange{Start: guard + 1, Count: pageCount}, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute, frames)
	if err != nil {
		vmm.ReleasePages(mm.PageRange{Start: guard, Count: 1})
		return Stack{}, err
	}

	return Stack{guard: guard, region: region}, nil
}

// Guard returns the unmapped page below the stack.
func (s *Stack) Guard() mm.Page { return s.guard }

// Bottom returns the lowest usable address of the stack.
func (s *Stack) Bottom() uintptr { return s.region.Start() }

// Top returns the address following the highest byte of the stack. Stacks
// grow downwards so this is the initial stack pointer value.
func (s *Stack) Top() uintptr { return s.region.End() }

// Size returns the usable stack size in bytes.
func (s *Stack) Size() uintptr { return s.region.Size() }

// Region returns the mapped stack pages.
func (s *Stack) Region() *vmm.MappedRegion { return &s.region }

// Empty returns true if the stack has no mapped pages.
func (s *Stack) Empty() bool { return s.region.Empty() }

// Release unmaps the stack, frees its frames and returns both the stack pages
// and the guard page to the pool of available virtual pages.
//
// Release must never be called for the stack the caller is running on.
func (s *Stack) Release(frames mm.FrameAllocator) *kernel.Error {
	if s.region.Empty() {
		return nil
	}

	err := s.region.Release(frames)
	vmm.ReleasePages(mm.PageRange{Start: s.guard, Count: 1})
	*s = Stack{}
	return err
}

// Discard abandons the stack leaving its mappings and its guard page
// reservation in place.
func (s *Stack) Discard() {
	s.region.Discard()
	*s = Stack{}
}
