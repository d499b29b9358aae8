package gate

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/kfmt"
	"unsafe"
)

// Handler processes an interrupt. Any modifications to the supplied
// Registers are propagated back to the interrupted context when the handler
// returns, which is how handlers switch between processes.
type Handler func(*Registers)

var (
	// The following functions are replaced by tests.
	loadIDTFn           = cpu.LoadIDT
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	haltedFn            = cpu.Halted
	panicFn             = kfmt.Panic

	errTableLoaded     = &kernel.Error{Module: "gate", Message: "vector table already loaded"}
	errVectorInUse     = &kernel.Error{Module: "gate", Message: "vector already has a handler"}
	errNilHandler      = &kernel.Error{Module: "gate", Message: "nil interrupt handler"}
	errUnhandledVector = &kernel.Error{Module: "gate", Message: "unhandled interrupt vector"}
)

type entry struct {
	handler Handler
	ist     uint8
	dpl     uint8
}

// Table maps the 256 interrupt vectors to their handlers. Handlers are
// registered once, before the table is loaded into the CPU; after Load the
// table is sealed and further registrations are rejected.
type Table struct {
	entries [256]entry
	idt     [256]Descriptor
	loaded  bool
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used). The gate can only be reached from user mode through a CPU
// exception or a hardware interrupt.
func (t *Table) HandleInterrupt(num InterruptNumber, istOffset uint8, handler Handler) *kernel.Error {
	return t.bind(num, entry{handler: handler, ist: istOffset})
}

// HandleSyscall installs a gate that user code may invoke with a software
// interrupt.
func (t *Table) HandleSyscall(num InterruptNumber, handler Handler) *kernel.Error {
	return t.bind(num, entry{handler: handler, dpl: 3})
}

func (t *Table) bind(num InterruptNumber, e entry) *kernel.Error {
	switch {
	case t.loaded:
		return errTableLoaded
	case e.handler == nil:
		return errNilHandler
	case t.entries[num].handler != nil:
		return errVectorInUse
	}

	t.entries[num] = e
	return nil
}

// Bound returns true if a handler is registered for num.
func (t *Table) Bound(num InterruptNumber) bool {
	return t.entries[num].handler != nil
}

// Load encodes the gate descriptors and loads the table into the CPU. Only
// vectors with a registered handler are marked as present.
func (t *Table) Load() {
	for num, e := range t.entries {
		if e.handler == nil {
			t.idt[num] = Descriptor{}
			continue
		}
		t.idt[num] = newDescriptor(StubAddress(InterruptNumber(num)), e.ist, e.dpl)
	}

	t.loaded = true
	loadIDTFn(uintptr(unsafe.Pointer(&t.idt[0])), uint16(unsafe.Sizeof(t.idt)-1))
}

// Loaded returns true once Load has been called.
func (t *Table) Loaded() bool {
	return t.loaded
}

// Descriptor returns the encoded gate descriptor for num.
func (t *Table) Descriptor(num InterruptNumber) Descriptor {
	return t.idt[num]
}

// Dispatch routes an interrupt to its handler the way the entry stubs do:
// interrupts are masked on entry and, once the handler returns, the
// interrupt flag is restored from the (possibly switched) RFLAGS in regs,
// mirroring IRETQ.
//
// For CPU exceptions the caller stores the error code in regs.Info. For
// hardware interrupts Info is set to the IRQ line.
func (t *Table) Dispatch(num InterruptNumber, regs *Registers) {
	disableInterruptsFn()

	if num >= IRQBase && num < IRQBase+16 {
		regs.Info = uint64(num - IRQBase)
	}

	if e := &t.entries[num]; e.handler != nil {
		e.handler(regs)
	} else {
		t.unhandled(num, regs)
	}

	if !haltedFn() && regs.RFlags&FlagIF != 0 {
		enableInterruptsFn()
	}
}

// SoftwareInterrupt emulates an INT n instruction. Invoking a gate whose
// DPL is lower than the current privilege level raises a general protection
// fault with an error code that references the IDT entry.
func (t *Table) SoftwareInterrupt(num InterruptNumber, regs *Registers) {
	if regs.UserMode() && t.entries[num].dpl < 3 {
		regs.Info = uint64(num)<<3 | 2
		t.Dispatch(GPFException, regs)
		return
	}

	if num == SyscallVector {
		regs.Info = regs.RAX
	}
	t.Dispatch(num, regs)
}

// unhandled escalates an interrupt for an empty vector to a double fault. If
// no double fault handler is installed or the empty vector is the double
// fault itself, the kernel panics.
func (t *Table) unhandled(num InterruptNumber, regs *Registers) {
	if df := t.entries[DoubleFault].handler; df != nil && num != DoubleFault {
		regs.Info = 0
		df(regs)
		return
	}

	kfmt.Printf("\nunhandled interrupt: %s (vector %d)\n", num.String(), uint8(num))
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errUnhandledVector)
}
