package sched

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/proc"
)

var (
	// The following functions are replaced by tests.
	switchPDTFn      = cpu.SwitchPDT
	activePDTFn      = cpu.ActivePDT
	setKernelStackFn = cpu.SetKernelStack

	errStackOverflow  = &kernel.Error{Module: "sched", Message: "kernel stack overflow detected"}
	errCorruptedFrame = &kernel.Error{Module: "sched", Message: "corrupted saved context"}
	errNoAddressSpace = &kernel.Error{Module: "sched", Message: "process has no address space"}
)

// switchTo saves the live trap frame into from, activates the address space
// and kernel stack of to and loads its saved frame into regs. When the
// interrupt handler returns, the CPU resumes to exactly where it was
// suspended (or at its entry point if it never ran).
//
// The switch runs with interrupts masked. A destination whose saved state
// fails validation cannot be resumed safely and halts the kernel.
func (s *Scheduler) switchTo(from, to *proc.PCB, regs *gate.Registers) {
	s.lock.Acquire()
	defer s.lock.Release()

	if from != nil && !from.Stack.Intact() {
		s.fatal(errStackOverflow, from)
		return
	}
	if !to.Stack.Intact() {
		s.fatal(errStackOverflow, to)
		return
	}
	if to.AddrSpace == nil {
		s.fatal(errNoAddressSpace, to)
		return
	}
	if err := validateContext(&to.Context); err != nil {
		s.fatal(err, to)
		return
	}

	if from != nil {
		from.Context = *regs
	}

	if root := to.AddrSpace.Root(); root != activePDTFn() {
		switchPDTFn(root)
	}
	setKernelStackFn(to.Stack.Top())

	*regs = to.Context
	to.Dispatches++
	s.current = to
}

// validateContext checks that a saved frame can be loaded by IRETQ: the code
// and stack selectors must belong to the same privilege level, the reserved
// RFLAGS bit must be set and user code must run with interrupts enabled.
func validateContext(ctx *gate.Registers) *kernel.Error {
	switch {
	case ctx.RFlags&gate.FlagReserved == 0:
		return errCorruptedFrame
	case ctx.RIP == 0:
		return errCorruptedFrame
	case ctx.CS == gate.UserCodeSelector:
		if ctx.SS != gate.UserDataSelector || ctx.RFlags&gate.FlagIF == 0 {
			return errCorruptedFrame
		}
	case ctx.CS == gate.KernelCodeSelector:
		if ctx.SS != gate.KernelDataSelector {
			return errCorruptedFrame
		}
	default:
		return errCorruptedFrame
	}
	return nil
}
