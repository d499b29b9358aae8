// Package cpu exposes the processor primitives used by the kernel.
//
// The primitives operate on a hosted model of a single x86_64 CPU: the
// interrupt flag, CR3, the privilege-0 stack pointer stored in the TSS, the
// IDT register and the I/O port space. The machine package drives the model
// by attaching a PortBus and by polling Halted and Waiting between
// instructions.
package cpu

// PortBus receives the port I/O issued via the Port* functions.
type PortBus interface {
	InByte(port uint16) uint8
	OutByte(port uint16, val uint8)
}

type state struct {
	interruptsEnabled bool
	halted            bool
	waiting           bool

	cr3  uintptr
	rsp0 uintptr

	idtBase  uintptr
	idtLimit uint16

	bus PortBus
}

var core state

// Reset returns the CPU to its power-on state: interrupts disabled, no IDT
// loaded, no page table active and no port bus attached.
func Reset() {
	core = state{}
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	core.interruptsEnabled = true
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	core.interruptsEnabled = false
}

// InterruptsEnabled returns true if the interrupt flag is set.
func InterruptsEnabled() bool {
	return core.interruptsEnabled
}

// Halt disables interrupts and stops instruction execution. A halted CPU can
// only be revived by a Reset.
func Halt() {
	core.interruptsEnabled = false
	core.halted = true
}

// Halted returns true if Halt has been invoked since the last Reset.
func Halted() bool {
	return core.halted
}

// WaitForInterrupt enables interrupts and suspends execution until the next
// interrupt is delivered (sti; hlt).
func WaitForInterrupt() {
	core.interruptsEnabled = true
	core.waiting = true
}

// Waiting returns true while the CPU is suspended by WaitForInterrupt.
func Waiting() bool {
	return core.waiting
}

// Resume is invoked by the interrupt delivery logic to bring the CPU out of a
// WaitForInterrupt suspension.
func Resume() {
	core.waiting = false
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	core.cr3 = pdtPhysAddr
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return core.cr3
}

// SetKernelStack updates the privilege-0 stack pointer in the TSS. The CPU
// switches to this stack whenever an interrupt arrives while running in user
// mode.
func SetKernelStack(rsp0 uintptr) {
	core.rsp0 = rsp0
}

// KernelStack returns the privilege-0 stack pointer currently stored in the
// TSS.
func KernelStack() uintptr {
	return core.rsp0
}

// LoadIDT loads the IDT register with the base address and limit of an
// interrupt descriptor table (lidt).
func LoadIDT(base uintptr, limit uint16) {
	core.idtBase, core.idtLimit = base, limit
}

// IDT returns the contents of the IDT register.
func IDT() (base uintptr, limit uint16) {
	return core.idtBase, core.idtLimit
}

// IDTLoaded returns true once an IDT has been loaded.
func IDTLoaded() bool {
	return core.idtLimit != 0
}

// AttachPortBus routes all subsequent port I/O to bus.
func AttachPortBus(bus PortBus) {
	core.bus = bus
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) {
	if core.bus != nil {
		core.bus.OutByte(port, val)
	}
}

// PortReadByte reads a uint8 value from the requested port. Reads from an
// unpopulated port return 0xff.
func PortReadByte(port uint16) uint8 {
	if core.bus == nil {
		return 0xff
	}
	return core.bus.InByte(port)
}
