package mm

// The boot trampoline maps the first GiB of physical memory at PhysMemOffset
// before handing control to the kernel. Once the kernel page table is active
// only the page table pool and the boot console remain visible through this
// window.

var (
	// physMemOffset is the virtual address where physical address 0 is
	// visible to the kernel.
	physMemOffset = PhysMemOffset
)

// PhysToVirt returns the virtual address through which the kernel can access
// the physical address physAddr. Page table frames are always accessed this
// way.
func PhysToVirt(physAddr uintptr) uintptr {
	return physMemOffset + physAddr
}

// SetPhysMemOffset relocates the physical memory window to offset and returns
// the previous offset. It is used by code (and tests) that provide physical
// memory through a different window than PhysMemOffset.
func SetPhysMemOffset(offset uintptr) uintptr {
	prev := physMemOffset
	physMemOffset = offset
	return prev
}
