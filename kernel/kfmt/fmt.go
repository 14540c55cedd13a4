// Package kfmt implements the kernel log. Output is sent to an io.Writer sink
// registered with SetOutputSink; anything logged before a sink is attached is
// kept in a ring buffer and replayed into the sink once it becomes available.
package kfmt

import (
	"fmt"
	"io"

	"anonmem/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes to the sink and the early buffer.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the active output sink or nil if output is currently
// being buffered.
func GetOutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()
	return outputSink
}

// Printf formats its arguments using the fmt package verbs and writes the
// result to the active output sink. By convention every message starts with
// the [module] that emits it, e.g:
//
//  kfmt.Printf("[pmm] unable to commit %d frames\n", count)
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	if outputSink == nil {
		_, _ = fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}

	_, _ = fmt.Fprintf(outputSink, format, args...)
}
