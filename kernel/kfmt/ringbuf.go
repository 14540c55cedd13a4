package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that holds log output
// produced before an output sink is attached. The ring buffer size must always
// be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize-1 bytes written to it. Once
// the buffer is full, each write overwrites the oldest unread byte.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = wrap(rb.wIndex + 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = wrap(rb.rIndex + 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (n int, err error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Read the contiguous block that starts at rIndex; a wrapped buffer
	// needs two calls to be fully drained.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = len(rb.buffer)
	}

	n = copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = wrap(rb.rIndex + n)
	return n, nil
}

// Len returns the number of unread bytes in the buffer.
func (rb *ringBuffer) Len() int {
	return wrap(rb.wIndex - rb.rIndex + ringBufferSize)
}

func wrap(index int) int {
	return index & (ringBufferSize - 1)
}
