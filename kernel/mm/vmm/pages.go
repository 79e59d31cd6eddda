package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"kestrel/kernel/sync"
)

const (
	// maxReservations is the number of disjoint virtual page ranges that
	// can be reserved at any point in time.
	maxReservations = 64
)

var (
	// reservations tracks the virtual pages handed out by AllocatePagesAt
	// and AllocatePages.
	reservations pageReservations

	// ErrPagesUnavailable is returned when a virtual page reservation
	// request cannot be satisfied.
	ErrPagesUnavailable = &kernel.Error{Module: "vmm", Message: "requested virtual pages are not available"}
)

// pageReservations is a list of non-overlapping reserved page ranges sorted
// by their start page.
type pageReservations struct {
	lock   sync.Spinlock
	ranges [maxReservations]mm.PageRange
	count  int
}

// AllocatePagesAt reserves the virtual pages covering [addr, addr+size). The
// start address must be page-aligned; size is rounded up to a multiple of
// mm.PageSize. The request fails with ErrPagesUnavailable if any of the pages
// is already reserved.
func AllocatePagesAt(addr, size uintptr) (mm.PageRange, *kernel.Error) {
	if addr&(mm.PageSize-1) != 0 || size == 0 || size > ^uintptr(0)-addr {
		return mm.PageRange{}, ErrPagesUnavailable
	}

	r := mm.PageRangeFor(addr, size)

	reservations.lock.Acquire()
	defer reservations.lock.Release()

	if reservations.count == maxReservations {
		return mm.PageRange{}, ErrPagesUnavailable
	}

	index := 0
	for ; index < reservations.count; index++ {
		if reservations.ranges[index].Overlaps(r) {
			return mm.PageRange{}, ErrPagesUnavailable
		}

		if reservations.ranges[index].Start > r.Start {
			break
		}
	}

	reservations.insertAt(index, r)
	return r, nil
}

// AllocatePages reserves size bytes (rounded up to a multiple of mm.PageSize)
// of kernel virtual address space. The search starts at the top of the kernel
// address space and proceeds downwards until reaching the start of the
// physical memory window.
func AllocatePages(size uintptr) (mm.PageRange, *kernel.Error) {
	if size == 0 {
		return mm.PageRange{}, ErrPagesUnavailable
	}

	var (
		count   = mm.PageAlign(size) >> mm.PageShift
		lowest  = mm.PageFromAddress(mm.PhysMemOffset)
		ceiling = mm.PageFromAddress(tempMappingAddr)
	)

	reservations.lock.Acquire()
	defer reservations.lock.Release()

	if count == 0 || reservations.count == maxReservations {
		return mm.PageRange{}, ErrPagesUnavailable
	}

	// Examine the gap below ceiling and above each reservation, visiting
	// reservations from the highest one downwards.
	for index := reservations.count - 1; index >= -1 && ceiling > lowest; index-- {
		floor := lowest
		if index >= 0 {
			existing := reservations.ranges[index]
			if existing.Start >= ceiling {
				continue
			}

			if end := existing.End(); end > floor {
				floor = end
			}
		}

		if floor < ceiling && uintptr(ceiling-floor) >= count {
			r := mm.PageRange{Start: ceiling - mm.Page(count), Count: count}
			reservations.insertAt(index+1, r)
			return r, nil
		}

		if index >= 0 {
			ceiling = reservations.ranges[index].Start
		}
	}

	return mm.PageRange{}, ErrPagesUnavailable
}

// ReleasePages returns the pages in r to the pool of available virtual pages.
// Pages in r that are not reserved are ignored.
func ReleasePages(r mm.PageRange) {
	if r.Empty() {
		return
	}

	reservations.lock.Acquire()
	defer reservations.lock.Release()

	for index := 0; index < reservations.count; {
		existing := reservations.ranges[index]
		if !existing.Overlaps(r) {
			index++
			continue
		}

		switch {
		case r.Start <= existing.Start && r.End() >= existing.End():
			reservations.removeAt(index)
			continue
		case r.Start <= existing.Start:
			reservations.ranges[index] = mm.PageRange{Start: r.End(), Count: uintptr(existing.End() - r.End())}
		case r.End() >= existing.End():
			reservations.ranges[index].Count = uintptr(r.Start - existing.Start)
		default:
			// Splitting the reservation requires a free slot; if
			// none is available the pages stay reserved.
			if reservations.count == maxReservations {
				break
			}
			reservations.ranges[index].Count = uintptr(r.Start - existing.Start)
			reservations.insertAt(index+1, mm.PageRange{Start: r.End(), Count: uintptr(existing.End() - r.End())})
			index++
		}
		index++
	}
}

// resetPages drops all page reservations.
func resetPages() {
	reservations.lock.Acquire()
	reservations.count = 0
	reservations.lock.Release()
}

func (res *pageReservations) insertAt(index int, r mm.PageRange) {
	copy(res.ranges[index+1:res.count+1], res.ranges[index:res.count])
	res.ranges[index] = r
	res.count++
}

func (res *pageReservations) removeAt(index int) {
	copy(res.ranges[index:res.count-1], res.ranges[index+1:res.count])
	res.count--
}
