package proc

import (
	"io"
	"kcore/kernel"
	"kcore/kernel/gate"
	"kcore/kernel/mm"
	"kcore/kernel/vfs"
	"sort"
)

var (
	// ErrNoSuchProcess is returned when a PID does not refer to a live
	// PCB.
	ErrNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}

	// ErrNotZombie is returned when reaping a process that has not exited.
	ErrNotZombie = &kernel.Error{Module: "proc", Message: "process has not exited"}

	errNoAddrSpace = &kernel.Error{Module: "proc", Message: "process requires an address space"}
)

// Table stores every PCB known to the kernel, from creation until reaping.
type Table struct {
	procs   map[PID]*PCB
	lastPID PID
	console io.Writer
}

// NewTable returns an empty table. New processes get the console as their
// standard output.
func NewTable(console io.Writer) *Table {
	if console == nil {
		console = io.Discard
	}
	return &Table{
		procs:   make(map[PID]*PCB),
		console: console,
	}
}

// Create allocates a PCB in the Ready state. The initial context is built
// from the register defaults supplied by the loader: execution starts at
// entry in user mode with interrupts enabled, and on the default user stack
// unless the loader picked one.
func (t *Table) Create(name string, parent PID, entry uintptr, regs gate.Registers, as mm.AddressSpace) (*PCB, *kernel.Error) {
	if as == nil {
		return nil, errNoAddrSpace
	}

	t.lastPID++

	ctx := regs
	ctx.RIP = uint64(entry)
	ctx.CS = gate.UserCodeSelector
	ctx.SS = gate.UserDataSelector
	ctx.RFlags |= gate.FlagReserved | gate.FlagIF
	if ctx.RSP == 0 {
		ctx.RSP = uint64(mm.UserStackTop)
	}

	p := &PCB{
		PID:       t.lastPID,
		Parent:    parent,
		Name:      name,
		Context:   ctx,
		Stack:     newKernelStack(),
		AddrSpace: as,
		Files:     vfs.NewFileTable(t.console),
		state:     Ready,
	}
	t.procs[p.PID] = p

	return p, nil
}

// Lookup returns the PCB for pid.
func (t *Table) Lookup(pid PID) (*PCB, *kernel.Error) {
	p, ok := t.procs[pid]
	if !ok {
		return nil, ErrNoSuchProcess
	}
	return p, nil
}

// Reap destroys a Zombie process: its descriptors are closed, its address
// space released and its PID removed from the table. The exit code is
// returned to the caller.
func (t *Table) Reap(pid PID) (int64, *kernel.Error) {
	p, err := t.Lookup(pid)
	if err != nil {
		return 0, err
	}

	code, exited := p.ExitCode()
	if !exited {
		return 0, ErrNotZombie
	}

	p.Files.CloseAll()
	p.AddrSpace.Release()
	p.AddrSpace = nil
	delete(t.procs, pid)

	return code, nil
}

// Len returns the number of PCBs in the table, zombies included.
func (t *Table) Len() int {
	return len(t.procs)
}

// Each invokes fn for every PCB in PID order. Iteration stops when fn
// returns false.
func (t *Table) Each(fn func(*PCB) bool) {
	pids := make([]PID, 0, len(t.procs))
	for pid := range t.procs {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	for _, pid := range pids {
		if !fn(t.procs[pid]) {
			return
		}
	}
}

// NewIdle returns the PCB of the idle task. The idle task runs the kernel
// loop at entry on its own kernel stack in the kernel address space. It is
// never stored in a Table nor queued.
func NewIdle(entry uintptr, as mm.AddressSpace) *PCB {
	stack := newKernelStack()
	return &PCB{
		PID:  IdlePID,
		Name: "idle",
		Context: gate.Registers{
			RIP:    uint64(entry),
			CS:     gate.KernelCodeSelector,
			SS:     gate.KernelDataSelector,
			RFlags: gate.FlagReserved | gate.FlagIF,
			RSP:    uint64(stack.Top()),
		},
		Stack:     stack,
		AddrSpace: as,
		Files:     vfs.NewFileTable(io.Discard),
		state:     Ready,
	}
}
