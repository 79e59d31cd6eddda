package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// KernelPageOffset is the virtual address where the kernel image is
	// linked. The physical address of any kernel section is obtained by
	// subtracting this offset from its virtual address.
	KernelPageOffset = uintptr(0xffffffff80000000)

	// PhysMemOffset is the start of the kernel's window over physical
	// memory. Physical address p is reachable at PhysMemOffset + p once
	// the frames backing p are mapped there.
	PhysMemOffset = uintptr(0xffff800000000000)

	// KernelHeapStart is the fixed virtual address of the kernel heap.
	KernelHeapStart = uintptr(0xfffffe8000000000)

	// KernelHeapInitialSize is the number of bytes mapped for the kernel
	// heap while booting.
	KernelHeapInitialSize = uintptr(16 * Mb)

	// KernelStackRegionSize is the amount of virtual address space set
	// aside for kernel stacks allocated after boot.
	KernelStackRegionSize = uintptr(64 * Mb)

	// EarlyConsoleFramebuffer is the physical address of the VGA text
	// mode framebuffer used by the boot console.
	EarlyConsoleFramebuffer = uintptr(0xb8000)

	// EarlyConsoleColumns and EarlyConsoleRows are the dimensions of the
	// boot console in characters.
	EarlyConsoleColumns = 80
	EarlyConsoleRows    = 25

	// PageTablePoolFrames is the number of contiguous physical frames
	// reserved for page table structures.
	PageTablePoolFrames = uintptr(512)

	// MaxPhysFrames is the number of physical frames that the frame
	// allocator can track (4G of physical memory).
	MaxPhysFrames = uintptr(1 << 20)
)
