// Package machine is a cycle-stepped model of the x86_64 PC the kernel runs
// on. It attaches itself to the cpu package as the port bus, models the
// interrupt controller, timer, keyboard and disk, and executes user
// programs one instruction per cycle, entering the kernel through the
// same traps and software interrupts real hardware would use.
package machine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"kcore/kernel"
	"kcore/kernel/abi"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/kmain"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"kcore/kernel/sched"

	"github.com/hashicorp/go-hclog"
)

// Page fault error code bits.
const (
	pfUser  = uint64(1 << 2)
	pfFetch = uint64(1 << 4)
)

// historyLimit bounds the recorded dispatch history.
const historyLimit = 1 << 16

var (
	errNotBooted    = errors.New("machine: kernel not booted")
	errIncompatible = errors.New("machine: program requires an incompatible syscall ABI")
)

// Config describes the simulated hardware.
type Config struct {
	// CyclesPerTick is the number of cycles between two timer
	// interrupts.
	CyclesPerTick uint64 `yaml:"cycles_per_tick"`

	// DiskLatency is the number of cycles a disk command takes.
	DiskLatency uint64 `yaml:"disk_latency"`

	// DiskSectors is the capacity of the drive.
	DiskSectors uint64 `yaml:"disk_sectors"`

	// Interactive keeps the machine running while every process waits
	// for input that may still arrive from the keyboard.
	Interactive bool `yaml:"-"`
}

// DefaultConfig returns the hardware used when none is configured.
func DefaultConfig() Config {
	return Config{
		CyclesPerTick: 100,
		DiskLatency:   400,
		DiskSectors:   2048,
	}
}

// StopReason tells why Run returned.
type StopReason uint8

const (
	// StopFinished means every loaded process exited and was reaped.
	StopFinished StopReason = iota

	// StopHalted means the kernel halted the CPU.
	StopHalted

	// StopDeadlock means no process can make progress without input.
	StopDeadlock

	// StopCycleLimit means the cycle budget was exhausted.
	StopCycleLimit

	// StopCanceled means the context was canceled.
	StopCanceled
)

var stopNames = [...]string{"finished", "halted", "deadlock", "cycle limit", "canceled"}

// String implements fmt.Stringer.
func (r StopReason) String() string {
	if int(r) < len(stopNames) {
		return stopNames[r]
	}
	return "unknown"
}

// Stats summarizes a run.
type Stats struct {
	Cycles     uint64
	IdleCycles uint64
	Ticks      uint64
	Interrupts uint64
	Syscalls   uint64
	Faults     uint64
	Switches   uint64
}

// Machine is a PC with one CPU. Only one Machine can be attached to the cpu
// package at a time.
type Machine struct {
	cfg Config
	log hclog.Logger

	PIC      *PIC
	PIT      *PIT
	Keyboard *Keyboard
	Disk     *Disk

	kern    *kmain.Kernel
	regs    gate.Registers
	started bool

	live    []proc.PID
	exits   map[proc.PID]int64
	history []proc.PID
	stats   Stats
}

// New resets the CPU and attaches a new machine to it.
func New(cfg Config) *Machine {
	def := DefaultConfig()
	if cfg.CyclesPerTick == 0 {
		cfg.CyclesPerTick = def.CyclesPerTick
	}
	if cfg.DiskSectors == 0 {
		cfg.DiskSectors = def.DiskSectors
	}

	m := &Machine{
		cfg:      cfg,
		log:      hclog.NewNullLogger(),
		PIC:      &PIC{},
		PIT:      &PIT{period: cfg.CyclesPerTick},
		Keyboard: &Keyboard{},
		Disk:     newDisk(cfg.DiskSectors, cfg.DiskLatency),
		exits:    make(map[proc.PID]int64),
	}

	cpu.Reset()
	cpu.AttachPortBus(m)
	return m
}

// Boot boots the kernel on the machine. The disk controller of the machine
// is connected to the kernel unless c names another one.
func (m *Machine) Boot(kcfg kmain.Config, c kmain.Collaborators) *kernel.Error {
	if c.Disk == nil {
		c.Disk = m.Disk
	}
	m.Disk.irq = kcfg.DiskIRQ

	k, err := kmain.Boot(kcfg, c)
	if err != nil {
		return err
	}

	m.kern = k
	m.log = k.Logger().Named("machine")
	return nil
}

// Kernel returns the booted kernel or nil.
func (m *Machine) Kernel() *kmain.Kernel {
	return m.kern
}

// Load copies p into a new address space and hands it to the kernel loader.
func (m *Machine) Load(p *Program) (proc.PID, error) {
	if m.kern == nil {
		return 0, errNotBooted
	}

	if p.ABI != "" {
		ok, err := abi.Compatible(p.ABI)
		if err != nil {
			return 0, fmt.Errorf("load %s: %w", p.Name, err)
		}
		if !ok {
			return 0, fmt.Errorf("load %s: %w (%s, kernel implements %s)", p.Name, errIncompatible, p.ABI, abi.Version)
		}
	}

	as, kerr := mm.NewPagedSpace()
	if kerr != nil {
		return 0, fmt.Errorf("load %s: %w", p.Name, kerr)
	}
	if kerr = as.Write(CodeBase, p.Image()); kerr != nil {
		return 0, fmt.Errorf("load %s: %w", p.Name, kerr)
	}
	if len(p.Data) != 0 {
		if kerr = as.Write(DataBase, p.Data); kerr != nil {
			return 0, fmt.Errorf("load %s: %w", p.Name, kerr)
		}
	}

	pid, kerr := m.kern.CreateProcess(p.Name, CodeBase, gate.Registers{}, as)
	if kerr != nil {
		as.Release()
		return 0, fmt.Errorf("load %s: %w", p.Name, kerr)
	}

	m.live = append(m.live, pid)
	m.log.Debug("program loaded", "pid", pid, "name", p.Name, "instructions", len(p.Code))
	return pid, nil
}

// Run executes until every loaded process has been reaped, the kernel halts,
// the machine deadlocks, maxCycles elapse (0 means no limit) or ctx is
// canceled.
func (m *Machine) Run(ctx context.Context, maxCycles uint64) (StopReason, error) {
	if m.kern == nil {
		return StopHalted, errNotBooted
	}

	if !m.started {
		m.kern.Start(&m.regs)
		m.started = true
		m.record()
	}

	limit := m.stats.Cycles + maxCycles
	for {
		if m.stats.Cycles&0xff == 0 {
			if err := ctx.Err(); err != nil {
				return StopCanceled, err
			}
		}

		switch {
		case cpu.Halted():
			return StopHalted, nil
		case m.reap() == 0:
			return StopFinished, nil
		case !m.cfg.Interactive && m.deadlocked():
			return StopDeadlock, nil
		case maxCycles != 0 && m.stats.Cycles >= limit:
			return StopCycleLimit, nil
		}

		m.Step()
	}
}

// Step advances the machine by one cycle: the devices run, then either a
// pending interrupt is delivered or one instruction executes.
func (m *Machine) Step() {
	m.stats.Cycles++
	cycle := m.stats.Cycles

	if m.PIT.tick(cycle) {
		m.PIC.Raise(0)
		m.stats.Ticks++
	}
	if m.Keyboard.tick() {
		m.PIC.Raise(1)
	}
	if m.Disk.tick(cycle) {
		m.PIC.Raise(m.Disk.irq)
	}

	if cpu.InterruptsEnabled() {
		if vector, ok := m.PIC.Acknowledge(); ok {
			m.stats.Interrupts++
			m.kern.Trap(gate.InterruptNumber(vector), &m.regs)
			m.record()
			return
		}
	}

	if cpu.Waiting() {
		m.stats.IdleCycles++
		return
	}

	m.execute()
	m.record()
}

// ExitCode returns the exit code of a reaped process.
func (m *Machine) ExitCode(pid proc.PID) (int64, bool) {
	code, ok := m.exits[pid]
	return code, ok
}

// Live returns the loaded processes that have not been reaped.
func (m *Machine) Live() []proc.PID {
	return append([]proc.PID(nil), m.live...)
}

// History returns the sequence of processes the CPU was dispatched to.
// Consecutive dispatches of the same process are recorded once.
func (m *Machine) History() []proc.PID {
	return append([]proc.PID(nil), m.history...)
}

// Registers returns the live register file.
func (m *Machine) Registers() gate.Registers {
	return m.regs
}

// Stats returns the counters of the run so far.
func (m *Machine) Stats() Stats {
	return m.stats
}

// OutByte implements cpu.PortBus.
func (m *Machine) OutByte(port uint16, val uint8) {
	m.device(port).OutByte(port, val)
}

// InByte implements cpu.PortBus.
func (m *Machine) InByte(port uint16) uint8 {
	return m.device(port).InByte(port)
}

type openBus struct{}

func (openBus) OutByte(uint16, uint8) {}
func (openBus) InByte(uint16) uint8   { return 0xff }

func (m *Machine) device(port uint16) cpu.PortBus {
	switch port {
	case picMasterCmd, picMasterData, picSlaveCmd, picSlaveData:
		return m.PIC
	case pitChannel0, pitCommand:
		return m.PIT
	case ps2Data, ps2Status:
		return m.Keyboard
	}
	return openBus{}
}

// execute runs one instruction of the context in the register file.
func (m *Machine) execute() {
	if !m.regs.UserMode() {
		if m.regs.RIP == uint64(sched.IdleEntry) {
			m.kern.Idle(&m.regs)
			return
		}
		m.fault(gate.InvalidOpcode, 0)
		return
	}

	cur := m.kern.Sched.Current()

	var raw [InstrSize]byte
	if err := cur.AddrSpace.Read(uintptr(m.regs.RIP), raw[:]); err != nil {
		m.fault(gate.PageFaultException, pfUser|pfFetch)
		return
	}

	in := Decode(raw[:])
	switch in.Op {
	case OpCompute:
		m.regs.R14++
		if m.regs.R14 >= in.B {
			m.regs.R14 = 0
			m.next()
		}
	case OpPrint:
		m.syscall(abi.SysPrint, in.B, uint64(in.A))
	case OpSyscall:
		m.syscall(abi.Number(in.Aux), uint64(in.A), in.B&0xffffffff, in.B>>32)
	case OpReadBlock:
		m.syscall(abi.SysReadBlock, in.B, uint64(in.A), uint64(BufferBase))
	case OpWriteBlock:
		m.syscall(abi.SysWriteBlock, in.B, uint64(in.A), uint64(BufferBase))
	case OpReadKey:
		m.syscall(abi.SysRead, 0, uint64(BufferBase), uint64(in.A))
	case OpEcho:
		n := int64(m.regs.RAX)
		if in.A != 0 && n > int64(in.A) {
			n = int64(in.A)
		}
		if n <= 0 {
			m.next()
			return
		}
		m.syscall(abi.SysPrint, uint64(BufferBase), uint64(n))
	case OpFill:
		m.fill(cur.AddrSpace, uintptr(in.B), int(in.A))
	case OpYield:
		m.syscall(abi.SysYield)
	case OpExit:
		code := in.B
		if in.Aux == exitResult {
			code = m.regs.RAX
		}
		m.syscall(abi.SysExit, code)
	case OpBreak:
		m.next()
		m.fault(gate.Breakpoint, 0)
	case OpFault:
		m.fault(gate.PageFaultException, pfUser)
	default:
		m.fault(gate.InvalidOpcode, 0)
	}
}

// fill copies program data to the scratch buffer the way a user mode copy
// loop would, faulting on a bad source.
func (m *Machine) fill(as mm.AddressSpace, src uintptr, n int) {
	buf := make([]byte, n)
	if as.Read(src, buf) != nil || as.Write(BufferBase, buf) != nil {
		m.fault(gate.PageFaultException, pfUser)
		return
	}
	m.next()
}

// syscall loads the syscall registers and executes INT 0x80. The return
// address is the next instruction.
func (m *Machine) syscall(num abi.Number, args ...uint64) {
	argRegs := [...]*uint64{&m.regs.RDI, &m.regs.RSI, &m.regs.RDX, &m.regs.R10, &m.regs.R8}

	m.regs.RAX = uint64(num)
	for i, arg := range args {
		*argRegs[i] = arg
	}

	m.next()
	m.stats.Syscalls++
	m.kern.SoftwareInterrupt(gate.SyscallVector, &m.regs)
}

// fault raises a CPU exception for the current instruction.
func (m *Machine) fault(num gate.InterruptNumber, code uint64) {
	m.regs.Info = code
	if num != gate.Breakpoint {
		m.stats.Faults++
	}
	m.kern.Trap(num, &m.regs)
}

func (m *Machine) next() {
	m.regs.RIP += InstrSize
}

// record appends the running process to the dispatch history.
func (m *Machine) record() {
	cur := m.kern.Sched.Current()
	if cur == nil {
		return
	}
	if n := len(m.history); n != 0 && m.history[n-1] == cur.PID {
		return
	}

	m.stats.Switches++
	if len(m.history) < historyLimit {
		m.history = append(m.history, cur.PID)
	}
}

// reap collects the exit codes of exited processes and returns the number
// of loaded processes still alive.
func (m *Machine) reap() int {
	live := m.live[:0]
	for _, pid := range m.live {
		p, err := m.kern.Sched.Lookup(pid)
		if err != nil {
			continue
		}
		if p.State() != proc.Zombie {
			live = append(live, pid)
			continue
		}

		code, err := m.kern.Reap(pid)
		if err != nil {
			live = append(live, pid)
			continue
		}
		m.exits[pid] = code
		m.log.Debug("process reaped", "pid", pid, "code", code)
	}

	m.live = live
	return len(m.live)
}

// deadlocked returns true when the CPU sleeps in the idle loop and nothing
// in flight can make a process ready again.
func (m *Machine) deadlocked() bool {
	s := m.kern.Sched
	return cpu.Waiting() &&
		s.Current() == s.IdleTask() &&
		len(s.ReadyPIDs()) == 0 &&
		!m.Disk.Busy() &&
		m.Keyboard.Buffered() == 0
}

// Dump writes the register file to w.
func (m *Machine) Dump(w io.Writer) {
	m.regs.DumpTo(w)
}
