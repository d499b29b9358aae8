// Package gate implements the interrupt vector table: the register frame
// captured on entry, the vector numbers of the x86_64 exceptions and the
// table that routes each vector to its handler.
package gate

import (
	"io"
	"kcore/kernel/kfmt"
	"strconv"
)

// Segment selectors installed by the boot GDT. User selectors carry RPL 3.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	TSSSelector        = 0x18
	UserDataSelector   = 0x28 | 3
	UserCodeSelector   = 0x30 | 3
)

// RFLAGS bits the kernel cares about.
const (
	// FlagReserved is bit 1 of RFLAGS which always reads as 1.
	FlagReserved = uint64(1 << 1)

	// FlagIF is the interrupt enable flag.
	FlagIF = uint64(1 << 9)
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions, the syscall number
	// for syscall entries or the IRQ number for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// UserMode returns true if the frame was captured while the CPU was running
// at privilege level 3.
func (r *Registers) UserMode() bool {
	return r.CS&3 == 3
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs on single-step and hardware breakpoint traps.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when the INTO instruction is executed while the
	// overflow flag is set.
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to load a segment or
	// invoke a gate whose present bit is clear.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack limit checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an x87 FP instruction
	// with an unmasked FP exception pending.
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed in user mode.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs.
	SIMDFloatingPointException = InterruptNumber(19)

	// NumExceptions is the number of vectors reserved for CPU exceptions.
	NumExceptions = 32

	// IRQBase is the vector where the remapped hardware IRQ lines start.
	IRQBase = InterruptNumber(32)

	// SyscallVector is the trap gate used by user code to enter the kernel.
	SyscallVector = InterruptNumber(0x80)
)

// IsException returns true for vectors reserved for CPU-generated
// exceptions.
func (n InterruptNumber) IsException() bool {
	return n < NumExceptions
}

// HasErrorCode returns true if the CPU pushes an error code to the stack
// before invoking the handler for this vector.
func (n InterruptNumber) HasErrorCode() bool {
	switch n {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck:
		return true
	}
	return false
}

var exceptionNames = [...]string{
	"divide error", "debug", "NMI", "breakpoint", "overflow",
	"bound range exceeded", "invalid opcode", "device not available",
	"double fault", "coprocessor segment overrun", "invalid TSS",
	"segment not present", "stack segment fault", "general protection fault",
	"page fault", "reserved", "x87 floating point exception",
	"alignment check", "machine check", "SIMD floating point exception",
}

// String returns a human readable name for the vector.
func (n InterruptNumber) String() string {
	switch {
	case int(n) < len(exceptionNames):
		return exceptionNames[n]
	case n.IsException():
		return "reserved"
	case n == SyscallVector:
		return "syscall"
	case n >= IRQBase && n < IRQBase+16:
		return "irq " + strconv.Itoa(int(n-IRQBase))
	}
	return "vector " + strconv.Itoa(int(n))
}
