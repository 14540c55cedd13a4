package kfmt

import (
	"anonmem/kernel"
)

var (
	// haltFn is invoked by Panic after the panic banner is printed. When
	// running on top of the Go runtime the only way to stop the faulting
	// code path is to unwind it so haltFn re-raises the panic. It is
	// mocked by tests.
	haltFn = func(e interface{}) { panic(e) }

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the log and halts the
// faulting code path. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(e)
}
