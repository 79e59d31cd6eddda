package kernel

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of looping over each byte, Memset writes the first byte and then doubles the
// initialized prefix with copy calls, which needs log2(size) copies for the
// page-aligned blocks it is usually called with.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	target[0] = value
	for filled := uintptr(1); filled < size; filled *= 2 {
		copy(target[filled:], target[:filled])
	}
}
