// Package sync provides the synchronization primitives available to a
// single-CPU kernel: critical sections that mask interrupts.
package sync

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
)

var (
	// The following functions are replaced by tests.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts

	errUnbalancedRelease = &kernel.Error{Module: "sync", Message: "IRQLock released more times than acquired"}
)

// IRQLock implements a critical section for state shared between interrupt
// handlers and process context. Acquiring the lock masks interrupts; nested
// acquisitions are counted and only the release of the outermost section
// restores the interrupt flag to the value it had before that section was
// entered.
//
// The zero value is an unlocked IRQLock.
type IRQLock struct {
	depth      uint32
	restoreIRQ bool
}

// Acquire masks interrupts and enters the critical section.
func (l *IRQLock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()

	if l.depth == 0 {
		l.restoreIRQ = enabled
	}
	l.depth++
}

// Release leaves the critical section. Interrupts are re-enabled only when
// the outermost section exits and they were enabled when it was entered.
// Releasing an IRQLock that is not held is a kernel fault and panics with a
// *kernel.Error.
func (l *IRQLock) Release() {
	if l.depth == 0 {
		panic(errUnbalancedRelease)
	}

	l.depth--
	if l.depth == 0 && l.restoreIRQ {
		l.restoreIRQ = false
		enableInterruptsFn()
	}
}

// Do runs fn inside the critical section. The section is released on every
// exit path out of fn, including panics.
func (l *IRQLock) Do(fn func()) {
	l.Acquire()
	defer l.Release()
	fn()
}

// Depth returns the number of nested critical sections currently entered.
func (l *IRQLock) Depth() uint32 {
	return l.depth
}

// Held returns true if at least one critical section is active.
func (l *IRQLock) Held() bool {
	return l.depth != 0
}
