// Package kmain assembles the kernel: it owns every kernel subsystem and
// brings them up in dependency order.
package kmain

import (
	"io"
	"kcore/device"
	"kcore/kernel"
	"kcore/kernel/abi"
	"kcore/kernel/blockio"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/hal"
	"kcore/kernel/input"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/pic"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"kcore/kernel/syscall"
	"kcore/kernel/trap"
	"kcore/kernel/vfs"

	"github.com/hashicorp/go-hclog"

	// Drivers register themselves with the device package.
	_ "kcore/device/ahci"
	_ "kcore/device/pit"
	_ "kcore/device/ps2kbd"
)

var (
	// The following functions are replaced by tests.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
	activePDTFn         = cpu.ActivePDT
	resumeFn            = cpu.Resume
)

// Collaborators are the external components the kernel is connected to.
// Every field is optional.
type Collaborators struct {
	// Console receives the kernel console and the standard output of
	// processes. Until a console is attached output is kept in the kfmt
	// early buffer.
	Console io.Writer

	// LogOutput receives the structured trace. It defaults to the
	// console.
	LogOutput io.Writer

	// FS serves the open syscall.
	FS vfs.FileSystem

	// Disk is the block device host controller.
	Disk device.DiskController
}

// Kernel owns the kernel state. Exactly one Kernel exists per CPU; it is
// returned by Boot and lives until the CPU halts.
type Kernel struct {
	cfg Config
	log hclog.Logger

	Gates    gate.Table
	PIC      pic.Controller
	Sched    *sched.Scheduler
	Syscalls *syscall.Dispatcher
	Traps    *trap.Handler
	Input    *input.Hub
	Blocks   *blockio.Manager

	// Drivers lists the drivers that were initialized by the hal.
	Drivers []device.Driver
}

// Boot brings up the kernel. Interrupts stay disabled until every vector is
// bound, the vector table is loaded and the device lines are unmasked; they
// are enabled as the very last step.
func Boot(cfg Config, c Collaborators) (*Kernel, *kernel.Error) {
	disableInterruptsFn()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if c.Console != nil {
		kfmt.SetOutputSink(c.Console)
	}
	if c.LogOutput == nil {
		c.LogOutput = kfmt.Output
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:        "kcore",
		Level:       hclog.LevelFromString(cfg.LogLevel),
		Output:      c.LogOutput,
		DisableTime: true,
	})

	k := &Kernel{cfg: cfg, log: logger}
	k.PIC.Remap(gate.IRQBase)

	k.Sched = sched.New(proc.NewTable(kfmt.Output), cfg.QuantumTicks, mm.NewKernelSpace(activePDTFn()), logger.Named("sched"))
	k.Input = input.NewHub(k.Sched, logger.Named("input"))
	k.Blocks = blockio.NewManager(nil, k.Sched, logger.Named("blockio"))
	k.Syscalls = syscall.NewDispatcher(k.Sched, syscall.Services{
		Console: kfmt.Output,
		FS:      c.FS,
		Input:   k.Input,
		Disk:    k.Blocks,
	}, logger.Named("syscall"))

	var err *kernel.Error
	if k.Traps, err = trap.Install(&k.Gates, k.Sched, logger.Named("trap")); err != nil {
		return nil, err
	} else if err = k.Gates.HandleSyscall(gate.SyscallVector, k.Syscalls.Handle); err != nil {
		return nil, err
	}

	k.Drivers = hal.DetectHardware(&device.Resources{
		Gates:          &k.Gates,
		PIC:            &k.PIC,
		Sched:          k.Sched,
		Input:          k.Input,
		Blocks:         k.Blocks,
		TimerHz:        cfg.TimerHz,
		DiskIRQ:        pic.IRQ(cfg.DiskIRQ),
		DiskController: c.Disk,
	}, kfmt.Output)

	k.Gates.Load()

	for _, drv := range k.Drivers {
		if irqDrv, ok := drv.(device.IRQDriver); ok {
			for _, irq := range irqDrv.IRQs() {
				k.PIC.Unmask(irq)
			}
		}
	}

	logger.Info("boot complete",
		"drivers", len(k.Drivers),
		"quantum", cfg.QuantumTicks,
		"timer_hz", cfg.TimerHz,
		"abi", abi.Version.String(),
	)

	enableInterruptsFn()
	return k, nil
}

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() Config {
	return k.cfg
}

// Logger returns the root trace logger.
func (k *Kernel) Logger() hclog.Logger {
	return k.log
}

// CreateProcess is the loader interface: it registers a Ready process that
// starts at entry in as. regs supplies initial register values such as the
// user stack pointer. Loaded processes are children of the idle task, which
// never waits; their exit codes are collected with Reap.
func (k *Kernel) CreateProcess(name string, entry uintptr, regs gate.Registers, as mm.AddressSpace) (proc.PID, *kernel.Error) {
	p, err := k.Sched.CreateProcess(name, proc.IdlePID, entry, regs, as)
	if err != nil {
		return 0, err
	}
	return p.PID, nil
}

// Start binds the first process to the CPU by loading its context into
// regs.
func (k *Kernel) Start(regs *gate.Registers) {
	k.Sched.Start(regs)
}

// Trap delivers a CPU exception or hardware interrupt. A CPU suspended by
// the idle loop resumes execution.
func (k *Kernel) Trap(vector gate.InterruptNumber, regs *gate.Registers) {
	resumeFn()
	k.Gates.Dispatch(vector, regs)
}

// SoftwareInterrupt executes an INT instruction issued by the running
// context.
func (k *Kernel) SoftwareInterrupt(vector gate.InterruptNumber, regs *gate.Registers) {
	k.Gates.SoftwareInterrupt(vector, regs)
}

// Idle runs one iteration of the idle loop.
func (k *Kernel) Idle(regs *gate.Registers) {
	k.Sched.Idle(regs)
}

// Reap destroys an exited process that no parent collected and returns its
// exit code.
func (k *Kernel) Reap(pid proc.PID) (int64, *kernel.Error) {
	return k.Sched.Reap(pid)
}
