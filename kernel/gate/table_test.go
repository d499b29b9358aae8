package gate

import (
	"kcore/kernel/cpu"
	"kcore/kernel/kfmt"
	"testing"
	"unsafe"
)

type mockCPU struct {
	interrupts bool
	halted     bool
	idtBase    uintptr
	idtLimit   uint16
	panicErr   interface{}
}

func installMockCPU() *mockCPU {
	m := &mockCPU{}
	loadIDTFn = func(base uintptr, limit uint16) { m.idtBase, m.idtLimit = base, limit }
	disableInterruptsFn = func() { m.interrupts = false }
	enableInterruptsFn = func() { m.interrupts = true }
	haltedFn = func() bool { return m.halted }
	panicFn = func(e interface{}) { m.panicErr = e; m.halted = true }
	return m
}

func restoreCPU() {
	loadIDTFn = cpu.LoadIDT
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn = cpu.EnableInterrupts
	haltedFn = cpu.Halted
	panicFn = kfmt.Panic
}

func TestTableRegistration(t *testing.T) {
	defer restoreCPU()
	m := installMockCPU()

	var (
		tbl  Table
		noop = func(_ *Registers) {}
	)

	if err := tbl.HandleInterrupt(PageFaultException, 0, noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.HandleInterrupt(PageFaultException, 0, noop); err != errVectorInUse {
		t.Fatalf("expected errVectorInUse; got %v", err)
	}
	if err := tbl.HandleInterrupt(GPFException, 0, nil); err != errNilHandler {
		t.Fatalf("expected errNilHandler; got %v", err)
	}
	if err := tbl.HandleSyscall(SyscallVector, noop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tbl.Load()

	if !tbl.Loaded() {
		t.Fatal("expected table to be loaded")
	}
	if exp := uintptr(unsafe.Pointer(&tbl.idt[0])); m.idtBase != exp || m.idtLimit != 4095 {
		t.Fatalf("expected IDT register to be (0x%x, 4095); got (0x%x, %d)", exp, m.idtBase, m.idtLimit)
	}

	if d := tbl.Descriptor(PageFaultException); !d.Present() || d.DPL() != 0 || d.Offset() != StubAddress(PageFaultException) {
		t.Errorf("unexpected page fault descriptor: %+v", d)
	}
	if d := tbl.Descriptor(SyscallVector); !d.Present() || d.DPL() != 3 {
		t.Errorf("expected syscall gate to be present with DPL 3; got %+v", d)
	}
	if d := tbl.Descriptor(DivideByZero); d.Present() {
		t.Error("expected empty vector to be marked as non-present")
	}

	if err := tbl.HandleInterrupt(DivideByZero, 0, noop); err != errTableLoaded {
		t.Fatalf("expected registration after Load to fail with errTableLoaded; got %v", err)
	}
}

func TestDispatch(t *testing.T) {
	defer restoreCPU()
	m := installMockCPU()

	var (
		tbl          Table
		sawInterrupt bool
		gotInfo      uint64
	)

	tbl.HandleInterrupt(IRQBase+1, 0, func(regs *Registers) {
		sawInterrupt = m.interrupts
		gotInfo = regs.Info
	})
	tbl.Load()

	t.Run("restores IF from frame", func(t *testing.T) {
		m.interrupts = true
		regs := Registers{RFlags: FlagReserved | FlagIF}
		tbl.Dispatch(IRQBase+1, &regs)

		if sawInterrupt {
			t.Error("expected interrupts to be masked while the handler runs")
		}
		if gotInfo != 1 {
			t.Errorf("expected Info to contain IRQ line 1; got %d", gotInfo)
		}
		if !m.interrupts {
			t.Error("expected interrupts to be re-enabled on return")
		}
	})

	t.Run("keeps IF clear for masked frame", func(t *testing.T) {
		m.interrupts = true
		regs := Registers{RFlags: FlagReserved}
		tbl.Dispatch(IRQBase+1, &regs)

		if m.interrupts {
			t.Error("expected interrupts to stay masked when the frame has IF clear")
		}
	})
}

func TestUnhandledVector(t *testing.T) {
	defer restoreCPU()
	defer kfmt.SetOutputSink(nil)
	kfmt.SetOutputSink(&discard{})

	t.Run("escalates to double fault", func(t *testing.T) {
		m := installMockCPU()

		var (
			tbl      Table
			dfCalled bool
		)
		tbl.HandleInterrupt(DoubleFault, 1, func(_ *Registers) { dfCalled = true })
		tbl.Load()

		regs := Registers{RFlags: FlagReserved | FlagIF}
		tbl.Dispatch(IRQBase+7, &regs)

		if !dfCalled {
			t.Fatal("expected the double fault handler to be invoked")
		}
		if m.panicErr != nil {
			t.Fatal("unexpected panic")
		}
	})

	t.Run("panics without a double fault handler", func(t *testing.T) {
		m := installMockCPU()

		var tbl Table
		tbl.Load()

		regs := Registers{RFlags: FlagReserved | FlagIF}
		tbl.Dispatch(DivideByZero, &regs)

		if m.panicErr != errUnhandledVector {
			t.Fatalf("expected panic with errUnhandledVector; got %v", m.panicErr)
		}
		if m.interrupts {
			t.Fatal("expected interrupts to stay masked after a panic")
		}
	})
}

func TestSoftwareInterrupt(t *testing.T) {
	defer restoreCPU()
	installMockCPU()

	var (
		tbl        Table
		syscallNum uint64
		gpfCode    uint64
		gpfCalled  bool
	)

	tbl.HandleSyscall(SyscallVector, func(regs *Registers) { syscallNum = regs.Info })
	tbl.HandleInterrupt(IRQBase, 0, func(_ *Registers) { t.Fatal("kernel-only gate invoked from user mode") })
	tbl.HandleInterrupt(GPFException, 0, func(regs *Registers) {
		gpfCalled = true
		gpfCode = regs.Info
	})
	tbl.Load()

	regs := Registers{CS: UserCodeSelector, SS: UserDataSelector, RFlags: FlagReserved | FlagIF, RAX: 7}
	tbl.SoftwareInterrupt(SyscallVector, &regs)
	if syscallNum != 7 {
		t.Fatalf("expected syscall handler to observe syscall number 7; got %d", syscallNum)
	}

	tbl.SoftwareInterrupt(IRQBase, &regs)
	if !gpfCalled {
		t.Fatal("expected a general protection fault")
	}
	if exp := uint64(IRQBase)<<3 | 2; gpfCode != exp {
		t.Fatalf("expected GPF error code 0x%x; got 0x%x", exp, gpfCode)
	}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
