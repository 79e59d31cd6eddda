package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures Printf
// output before an output sink is attached. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, each new byte overwrites the oldest one.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest unread byte and count the number
	// of unread bytes.
	start, count int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer is drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	// Copy the contiguous chunk that starts at rb.start
	n := ringBufferSize - rb.start
	if n > rb.count {
		n = rb.count
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[rb.start:rb.start+n])
	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.count -= n
	return n, nil
}

// reset discards any buffered data.
func (rb *ringBuffer) reset() {
	rb.start, rb.count = 0, 0
}
