package pmm

import (
	"kestrel/kernel"
	"kestrel/kernel/mm"
	"math"
	"math/bits"
)

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame does not belong to this allocator"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}
)

// BitmapAllocator tracks the state of a contiguous range of physical frames
// using one bit per frame. Set bits correspond to frames that are in use.
//
// The bitmap is statically sized to cover mm.MaxPhysFrames so the allocator
// can be brought up before any other memory allocator exists.
type BitmapAllocator struct {
	// base is the first frame tracked by the allocator. Bit i of the
	// bitmap corresponds to frame (base + i).
	base mm.Frame

	// frameCount is the number of frames tracked by the allocator.
	frameCount uintptr

	// freeCount tracks the available frames so exhausted allocators can
	// fail without scanning the bitmap.
	freeCount uintptr

	// nextWord is the bitmap word where the next allocation search begins.
	nextWord uintptr

	bitmap [mm.MaxPhysFrames >> 6]uint64
}

// init resets the allocator so that it tracks frameCount frames beginning at
// base. All frames start out as used.
func (alloc *BitmapAllocator) init(base mm.Frame, frameCount uintptr) {
	if frameCount > mm.MaxPhysFrames {
		frameCount = mm.MaxPhysFrames
	}

	alloc.base = base
	alloc.frameCount = frameCount
	alloc.freeCount = 0
	alloc.nextWord = 0

	// Bits past frameCount stay set so that searches never pick them.
	for i := range alloc.bitmap {
		alloc.bitmap[i] = math.MaxUint64
	}
}

// Contains returns true if frame is tracked by this allocator.
func (alloc *BitmapAllocator) Contains(frame mm.Frame) bool {
	return frame >= alloc.base && uintptr(frame-alloc.base) < alloc.frameCount
}

// FreeCount returns the number of available frames.
func (alloc *BitmapAllocator) FreeCount() uintptr {
	return alloc.freeCount
}

// FrameCount returns the number of frames tracked by the allocator.
func (alloc *BitmapAllocator) FrameCount() uintptr {
	return alloc.frameCount
}

// AllocFrame reserves the next free frame. The search resumes from the
// bitmap word that satisfied the previous allocation and skips fully
// allocated words.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount == 0 {
		return mm.InvalidFrame, errOutOfMemory
	}

	wordCount := (alloc.frameCount + 63) >> 6
	for i := uintptr(0); i < wordCount; i++ {
		word := (alloc.nextWord + i) % wordCount
		free := ^alloc.bitmap[word]
		if free == 0 {
			continue
		}

		index := word<<6 + uintptr(bits.TrailingZeros64(free))
		alloc.bitmap[word] |= 1 << (index & 63)
		alloc.freeCount--
		alloc.nextWord = word
		return alloc.base + mm.Frame(index), nil
	}

	return mm.InvalidFrame, errOutOfMemory
}

// AllocContiguous reserves count consecutive free frames and returns the
// first one.
func (alloc *BitmapAllocator) AllocContiguous(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 || count > alloc.freeCount {
		return mm.InvalidFrame, errOutOfMemory
	}

	var runStart, runLen uintptr
	for index := uintptr(0); index < alloc.frameCount; index++ {
		if alloc.isSet(index) {
			runLen = 0
			continue
		}

		if runLen == 0 {
			runStart = index
		}

		if runLen++; runLen == count {
			start := alloc.base + mm.Frame(runStart)
			alloc.MarkUsed(start, count)
			return start, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously reserved by AllocFrame or
// AllocContiguous.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if !alloc.Contains(frame) {
		return errFrameOutOfRange
	}

	index := uintptr(frame - alloc.base)
	if !alloc.isSet(index) {
		return errDoubleFree
	}

	alloc.bitmap[index>>6] &^= 1 << (index & 63)
	alloc.freeCount++
	return nil
}

// MarkUsed flags count frames starting at start as reserved. Frames outside
// the allocator's range are ignored.
func (alloc *BitmapAllocator) MarkUsed(start mm.Frame, count uintptr) {
	alloc.visitRange(start, count, func(index uintptr) {
		if !alloc.isSet(index) {
			alloc.bitmap[index>>6] |= 1 << (index & 63)
			alloc.freeCount--
		}
	})
}

// markFree flags count frames starting at start as available. Frames outside
// the allocator's range are ignored.
func (alloc *BitmapAllocator) markFree(start mm.Frame, count uintptr) {
	alloc.visitRange(start, count, func(index uintptr) {
		if alloc.isSet(index) {
			alloc.bitmap[index>>6] &^= 1 << (index & 63)
			alloc.freeCount++
		}
	})
}

func (alloc *BitmapAllocator) visitRange(start mm.Frame, count uintptr, fn func(index uintptr)) {
	end := start + mm.Frame(count)
	if start < alloc.base {
		start = alloc.base
	}
	if limit := alloc.base + mm.Frame(alloc.frameCount); end > limit {
		end = limit
	}

	for frame := start; frame < end; frame++ {
		fn(uintptr(frame - alloc.base))
	}
}

func (alloc *BitmapAllocator) isSet(index uintptr) bool {
	return alloc.bitmap[index>>6]&(1<<(index&63)) != 0
}
