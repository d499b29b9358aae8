package kmain

import (
	"bytes"
	"io"
	"kcore/kernel/abi"
	"kcore/kernel/blockio"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/pic"
	"kcore/kernel/proc"
	"strings"
	"testing"
)

// quietBus answers every port read with 0 so that probed devices appear
// present and idle.
type quietBus struct{}

func (quietBus) InByte(uint16) uint8   { return 0 }
func (quietBus) OutByte(uint16, uint8) {}

type idleController struct{}

func (idleController) Issue(blockio.Request) error     { return nil }
func (idleController) Completed() []blockio.Completion { return nil }

func bootForTest(t *testing.T, cfg Config) (*Kernel, *bytes.Buffer) {
	cpu.Reset()
	cpu.AttachPortBus(quietBus{})

	var console bytes.Buffer
	k, err := Boot(cfg, Collaborators{
		Console:   &console,
		LogOutput: io.Discard,
		Disk:      idleController{},
	})
	if err != nil {
		t.Fatalf("unexpected boot error: %s", err.String())
	}
	return k, &console
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("quantum_ticks: 5\nlog_level: debug\n"))
	if err != nil {
		t.Fatal(err)
	}

	exp := DefaultConfig()
	exp.QuantumTicks = 5
	exp.LogLevel = "debug"
	if cfg != exp {
		t.Fatalf("expected %+v; got %+v", exp, cfg)
	}

	specs := []struct {
		input  string
		expErr string
	}{
		{"quantum_ticks: 0\n", errZeroQuantum.Message},
		{"disk_irq: 1\n", errDiskIRQ.Message},
		{"disk_irq: 2\n", errDiskIRQ.Message},
		{"disk_irq: 16\n", errDiskIRQ.Message},
		{"timer_hz: 10\n", errTimerHz.Message},
		{"timer_hz: 0\n", errTimerHz.Message},
		{"log_level: loud\n", errLogLevel.Message},
		{"cores: 4\n", errConfigSyntax.Message},
		{"quantum_ticks: [1]\n", errConfigSyntax.Message},
	}

	for specIndex, spec := range specs {
		_, err := ParseConfig([]byte(spec.input))
		if err == nil || !strings.HasPrefix(err.Message, spec.expErr) {
			t.Errorf("[spec %d] expected error %q; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestBoot(t *testing.T) {
	defer func() {
		cpu.Reset()
		kfmt.SetOutputSink(nil)
	}()

	k, console := bootForTest(t, DefaultConfig())

	if !cpu.InterruptsEnabled() {
		t.Error("expected interrupts to be enabled after boot")
	}
	if !cpu.IDTLoaded() || !k.Gates.Loaded() {
		t.Error("expected the vector table to be loaded")
	}

	var names []string
	for _, drv := range k.Drivers {
		names = append(names, drv.DriverName())
	}
	if got := strings.Join(names, ","); got != "pit,ps2kbd,ahci" {
		t.Errorf("expected drivers to be initialized in detection order; got %q", got)
	}

	for num := gate.InterruptNumber(0); num < gate.NumExceptions; num++ {
		if !k.Gates.Bound(num) {
			t.Errorf("expected exception %s to be bound", num.String())
		}
	}
	for _, num := range []gate.InterruptNumber{gate.SyscallVector, k.PIC.Vector(pic.Timer), k.PIC.Vector(pic.Keyboard), k.PIC.Vector(pic.Disk)} {
		if !k.Gates.Bound(num) {
			t.Errorf("expected vector %d to be bound", uint8(num))
		}
	}
	if got := k.Gates.Descriptor(gate.SyscallVector).DPL(); got != 3 {
		t.Errorf("expected the syscall gate to be reachable from user mode; got DPL %d", got)
	}

	for _, irq := range []pic.IRQ{pic.Timer, pic.Keyboard, pic.Cascade, pic.Disk} {
		if k.PIC.Masked(irq) {
			t.Errorf("expected irq %d to be unmasked", irq)
		}
	}
	if !k.PIC.Masked(pic.IRQ(3)) {
		t.Error("expected lines without a driver to stay masked")
	}

	if !strings.Contains(console.String(), "[hal] pit(0.1.0): channel 0 at 1073 Hz") {
		t.Errorf("expected the hal output on the console; got:\n%s", console.String())
	}
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	defer cpu.Reset()
	cpu.Reset()

	cfg := DefaultConfig()
	cfg.QuantumTicks = 0

	if _, err := Boot(cfg, Collaborators{}); err != errZeroQuantum {
		t.Fatalf("expected errZeroQuantum; got %v", err)
	}
	if cpu.InterruptsEnabled() || cpu.IDTLoaded() {
		t.Fatal("expected a failed boot to leave interrupts disabled and no IDT loaded")
	}
}

func TestKernelLifecycle(t *testing.T) {
	defer func() {
		cpu.Reset()
		kfmt.SetOutputSink(nil)
	}()

	cfg := DefaultConfig()
	cfg.QuantumTicks = 1
	k, _ := bootForTest(t, cfg)

	var pids []proc.PID
	for i, name := range []string{"A", "B"} {
		as, _ := mm.NewPagedSpace()
		pid, err := k.CreateProcess(name, uintptr(0x401000+i*0x1000), gate.Registers{}, as)
		if err != nil {
			t.Fatal(err)
		}
		pids = append(pids, pid)
	}

	var regs gate.Registers
	k.Start(&regs)
	if regs.RIP != 0x401000 || k.Sched.Current().PID != pids[0] {
		t.Fatalf("expected A to run first; got pid %d at %#x", k.Sched.Current().PID, regs.RIP)
	}

	k.Trap(k.PIC.Vector(pic.Timer), &regs)
	if regs.RIP != 0x402000 || k.Sched.Current().PID != pids[1] {
		t.Fatalf("expected the timer tick to preempt A in favor of B; got pid %d", k.Sched.Current().PID)
	}

	regs.RAX = uint64(abi.SysGetPID)
	k.SoftwareInterrupt(gate.SyscallVector, &regs)
	if regs.RAX != uint64(pids[1]) {
		t.Fatalf("expected getpid to return %d; got %d", pids[1], regs.RAX)
	}

	regs.RAX, regs.RDI = uint64(abi.SysExit), 7
	k.SoftwareInterrupt(gate.SyscallVector, &regs)
	if k.Sched.Current().PID != pids[0] {
		t.Fatalf("expected A to run after B exited; got pid %d", k.Sched.Current().PID)
	}

	code, err := k.Reap(pids[1])
	if err != nil || code != 7 {
		t.Fatalf("expected to reap B with code 7; got %d, %v", code, err)
	}

	regs.RAX, regs.RDI = uint64(abi.SysExit), 0
	k.SoftwareInterrupt(gate.SyscallVector, &regs)
	if cur := k.Sched.Current(); cur != k.Sched.IdleTask() {
		t.Fatalf("expected the idle task to run once every process exited; got pid %d", cur.PID)
	}

	k.Idle(&regs)
	if !cpu.Waiting() {
		t.Fatal("expected the idle loop to suspend the CPU")
	}
	k.Trap(k.PIC.Vector(pic.Timer), &regs)
	if cpu.Waiting() {
		t.Fatal("expected an interrupt to resume the CPU")
	}
}
