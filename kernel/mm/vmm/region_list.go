package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
)

const (
	// maxListRegions is the capacity of a RegionList.
	maxListRegions = 16
)

var (
	errRegionListFull = &kernel.Error{Module: "vmm", Message: "region list is full"}
)

// RegionList is a fixed capacity list of MappedRegions. It owns the regions
// stored in it.
type RegionList struct {
	regions [maxListRegions]MappedRegion
	count   int
}

// Push moves r to the end of the list; r becomes empty.
func (l *RegionList) Push(r *MappedRegion) *kernel.Error {
	if l.count == maxListRegions {
		return errRegionListFull
	}

	l.regions[l.count] = *r
	l.count++
	*r = MappedRegion{}
	return nil
}

// Len returns the number of regions in the list.
func (l *RegionList) Len() int { return l.count }

// At returns a pointer to the i-th region in the list.
func (l *RegionList) At(i int) *MappedRegion { return &l.regions[i] }

// Take moves the i-th region out of the list and returns it. The slot is left
// holding an empty region until the next call to Compact.
func (l *RegionList) Take(i int) MappedRegion {
	r := l.regions[i]
	l.regions[i] = MappedRegion{}
	return r
}

// Compact removes empty regions while preserving the order of the rest.
func (l *RegionList) Compact() {
	kept := 0
	for i := 0; i < l.count; i++ {
		if l.regions[i].Empty() {
			continue
		}
		l.regions[kept] = l.regions[i]
		kept++
	}

	for i := kept; i < l.count; i++ {
		l.regions[i] = MappedRegion{}
	}
	l.count = kept
}

// Contains returns true if virtAddr belongs to any region in the list.
func (l *RegionList) Contains(virtAddr uintptr) bool {
	for i := 0; i < l.count; i++ {
		if l.regions[i].Contains(virtAddr) {
			return true
		}
	}
	return false
}

// ReleaseAll releases every region in the list and empties it. The first
// error encountered is returned after all regions have been processed.
func (l *RegionList) ReleaseAll(frames mm.FrameAllocator) *kernel.Error {
	var firstErr *kernel.Error
	for i := 0; i < l.count; i++ {
		if err := l.regions[i].Release(frames); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	l.count = 0
	return firstErr
}

// DiscardAll discards every region in the list and empties it.
func (l *RegionList) DiscardAll() {
	for i := 0; i < l.count; i++ {
		l.regions[i].Discard()
	}

	l.count = 0
}
