package kmain

import (
	"kestrel/device/console"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mm"
	"kestrel/kernel/mm/meminit"
	"kestrel/kernel/mm/vmm"
	"kestrel/multiboot"
)

var (
	// The following functions are used by tests to mock calls that
	// require a real boot environment.
	disableInterruptsFn = cpu.DisableInterrupts
	attachConsoleFn     = attachEarlyConsole
	infoAtFn            = multiboot.InfoAt
	initMemFn           = meminit.InitMemoryManagement
	kpanicFn            = kfmt.Panic

	// earlyConsole receives the kfmt output while booting.
	earlyConsole console.VgaText

	// bootInfo and memoryInit live in package variables so that they
	// remain resident for the lifetime of the kernel.
	bootInfo   multiboot.Info
	memoryInit meminit.Result

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	// No interrupt handlers are installed while the address space is
	// being rebuilt.
	disableInterruptsFn()
	attachConsoleFn()

	var err *kernel.Error
	if bootInfo, err = infoAtFn(multibootInfoPtr); err != nil {
		kpanicFn(err)
		return
	}

	if memoryInit, err = initMemFn(&bootInfo); err != nil {
		kpanicFn(err)
		return
	}

	kfmt.Printf("[kmain] kernel stack: 0x%x-0x%x, discarded regions: %d\n",
		memoryInit.Stack.Bottom(), memoryInit.Stack.Top(), vmm.DiscardedRegions())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kpanicFn(errKmainReturned)
}

// attachEarlyConsole sets up the VGA text console and flushes any output
// buffered by kfmt to it.
func attachEarlyConsole() {
	earlyConsole.Init(mm.EarlyConsoleColumns, mm.EarlyConsoleRows, mm.PhysToVirt(mm.EarlyConsoleFramebuffer))
	kfmt.SetOutputSink(&earlyConsole)
}
