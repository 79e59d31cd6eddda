// Package multiboot provides read-only access to the multiboot2 information
// structure passed to the kernel by the bootloader.
package multiboot

import (
	"kestrel/kernel"
	"unsafe"
)

var (
	errMalformedInfo = &kernel.Error{Module: "multiboot", Message: "unparseable boot information"}
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at an 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

type elfSections struct {
	numSections        uint16
	sectionSize        uint32
	strtabSectionIndex uint32
	sectionData        [0]byte
}

type elfSection64 struct {
	nameIndex   uint32
	sectionType uint32
	flags       uint64
	address     uint64
	offset      uint64
	size        uint64
	link        uint32
	info        uint32
	addrAlign   uint64
	entSize     uint64
}

// ElfSectionFlag defines an OR-able flag associated with an ElfSection.
type ElfSectionFlag uint32

const (
	// ElfSectionWritable marks the section as writable.
	ElfSectionWritable ElfSectionFlag = 1 << iota

	// ElfSectionAllocated means that the section is allocated in memory
	// when the image is loaded (e.g .bss sections)
	ElfSectionAllocated

	// ElfSectionExecutable marks the section as executable.
	ElfSectionExecutable
)

// ElfSectionVisitor defies a visitor function that gets invoked by VisitElfSections
// for rach ELF section that belongs to the loaded kernel image.
type ElfSectionVisitor func(name string, flags ElfSectionFlag, address uintptr, size uint64)

// Info provides access to a validated multiboot2 information structure.
type Info struct {
	ptr       uintptr
	totalSize uint32
}

// InfoAt validates the multiboot information structure located at ptr.
// InfoAt checks that the header is 8-byte aligned, that its reserved field is
// zero and that the tag list is terminated by an end tag within the reported
// total size.
func InfoAt(ptr uintptr) (Info, *kernel.Error) {
	if ptr == 0 || ptr&7 != 0 {
		return Info{}, errMalformedInfo
	}

	hdr := (*info)(unsafe.Pointer(ptr))
	if hdr.totalSize < 16 || hdr.reserved != 0 {
		return Info{}, errMalformedInfo
	}

	endPtr := ptr + uintptr(hdr.totalSize)
	for curPtr := ptr + 8; curPtr+8 <= endPtr; {
		tag := (*tagHeader)(unsafe.Pointer(curPtr))
		if tag.size < 8 || curPtr+uintptr(tag.size) > endPtr {
			break
		}

		if tag.tagType == tagMbSectionEnd {
			return Info{ptr: ptr, totalSize: hdr.totalSize}, nil
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((tag.size + 7) &^ 7)
	}

	return Info{}, errMalformedInfo
}

// PhysRange returns the address and size of the memory occupied by the
// information structure.
func (i Info) PhysRange() (uintptr, uintptr) {
	return i.ptr, uintptr(i.totalSize)
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Entries with an unknown type are reported as MemReserved.
func (i Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	if ptrMapHeader.entrySize == 0 {
		return
	}

	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr+uintptr(ptrMapHeader.entrySize) <= endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitElfSections invokes visitor for each non-empty ELF section that
// belongs to the loaded kernel image.
func (i Info) VisitElfSections(visitor ElfSectionVisitor) {
	curPtr, size := i.findTagByType(tagElfSymbols)
	if size == 0 {
		return
	}

	var (
		ptrElfSections  = (*elfSections)(unsafe.Pointer(curPtr))
		secPtr          = uintptr(unsafe.Pointer(&ptrElfSections.sectionData))
		sizeofSection   = uintptr(ptrElfSections.sectionSize)
		strTableSection *elfSection64
	)

	if sizeofSection == 0 {
		sizeofSection = unsafe.Sizeof(elfSection64{})
	}
	strTableSection = (*elfSection64)(unsafe.Pointer(secPtr + uintptr(ptrElfSections.strtabSectionIndex)*sizeofSection))

	for secIndex := uint16(0); secIndex < ptrElfSections.numSections; secIndex, secPtr = secIndex+1, secPtr+sizeofSection {
		secData := (*elfSection64)(unsafe.Pointer(secPtr))
		if secData.size == 0 {
			continue
		}

		// String table entries are C-style NULL-terminated strings
		namePtr := uintptr(strTableSection.address) + uintptr(secData.nameIndex)
		nameLen := 0
		for ; *(*byte)(unsafe.Pointer(namePtr + uintptr(nameLen))) != 0; nameLen++ {
		}

		visitor(unsafe.String((*byte)(unsafe.Pointer(namePtr)), nameLen), ElfSectionFlag(secData.flags), uintptr(secData.address), secData.size)
	}
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func (i Info) findTagByType(tagType tagType) (uintptr, uint32) {
	if i.ptr == 0 {
		return 0, 0
	}

	var ptrTagHeader *tagHeader

	curPtr := i.ptr + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((ptrTagHeader.size + 7) &^ 7)
	}

	return 0, 0
}
