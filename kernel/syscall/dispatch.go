// Package syscall implements the kernel side of the user-mode ABI defined in
// package abi: it decodes a trapped syscall, runs the matching service and
// writes the result back into the trapped register frame.
package syscall

import (
	"io"
	"kcore/kernel"
	"kcore/kernel/abi"
	"kcore/kernel/blockio"
	"kcore/kernel/gate"
	"kcore/kernel/input"
	"kcore/kernel/kfmt"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"kcore/kernel/vfs"

	"github.com/hashicorp/go-hclog"
)

// Action tells the dispatcher what to do with the caller once the result
// has been stored in its RAX.
type Action uint8

const (
	// Resume returns to the caller.
	Resume Action = iota

	// Yield moves the caller to the back of the ready queue.
	Yield

	// Block parks the caller until the token recorded with BlockOn is
	// signaled.
	Block

	// Exit terminates the caller with the result as its exit code.
	Exit
)

// Handler implements one syscall. It returns the value stored in RAX and the
// action to take afterwards. Handlers never switch processes themselves.
type Handler func(l hclog.Logger, c *Call) (int64, Action)

var (
	// panicFn is replaced by tests.
	panicFn = kfmt.Panic

	errKernelSyscall = &kernel.Error{Module: "syscall", Message: "syscall gate entered from kernel mode"}
	errNoProcess     = &kernel.Error{Module: "syscall", Message: "syscall without a running process"}
)

// Call carries the state of one syscall invocation.
type Call struct {
	Num  abi.Number
	Args [5]uint64
	Proc *proc.PCB

	d     *Dispatcher
	token proc.Token
}

// BlockOn records token as the event the caller waits for and returns the
// Block action.
func (c *Call) BlockOn(token proc.Token) (int64, Action) {
	c.token = token
	return 0, Block
}

// Services lists the collaborators the syscalls forward to. Nil services
// make the corresponding syscalls fail with an error.
type Services struct {
	Console io.Writer
	FS      vfs.FileSystem
	Input   *input.Hub
	Disk    *blockio.Manager
}

// Dispatcher is installed on the syscall gate.
type Dispatcher struct {
	sched *sched.Scheduler
	svc   Services
	log   hclog.Logger
	table [abi.NumSyscalls]Handler
}

// NewDispatcher returns a dispatcher populated with the standard syscall
// table.
func NewDispatcher(s *sched.Scheduler, svc Services, logger hclog.Logger) *Dispatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if svc.Console == nil {
		svc.Console = io.Discard
	}

	d := &Dispatcher{sched: s, svc: svc, log: logger}
	d.table = [abi.NumSyscalls]Handler{
		abi.SysPrint:      sysPrint,
		abi.SysExit:       sysExit,
		abi.SysYield:      sysYield,
		abi.SysOpen:       sysOpen,
		abi.SysRead:       sysRead,
		abi.SysWrite:      sysWrite,
		abi.SysSeek:       sysSeek,
		abi.SysClose:      sysClose,
		abi.SysGetPID:     sysGetPID,
		abi.SysWait:       sysWait,
		abi.SysReadBlock:  sysReadBlock,
		abi.SysWriteBlock: sysWriteBlock,
		abi.SysABIVersion: sysABIVersion,
	}
	return d
}

// Handle is the handler for the syscall gate. The syscall number is read
// from RAX and the arguments from RDI, RSI, RDX, R10 and R8. Unknown numbers
// return ENOSYS to the caller.
//
// The result is always written to the trapped RAX before the scheduler is
// entered, so that a switch saves it into the caller's context.
func (d *Dispatcher) Handle(regs *gate.Registers) {
	if !regs.UserMode() {
		kfmt.Printf("\n[syscall] syscall %d issued from kernel mode\n", regs.RAX)
		regs.DumpTo(kfmt.GetOutputSink())
		panicFn(errKernelSyscall)
		return
	}

	cur := d.sched.Current()
	if cur == nil || cur.PID == proc.IdlePID {
		panicFn(errNoProcess)
		return
	}

	c := &Call{
		Num:  abi.Number(regs.RAX),
		Args: [5]uint64{regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8},
		Proc: cur,
		d:    d,
	}

	result, action := int64(abi.ENOSYS), Resume
	if c.Num < abi.NumSyscalls && d.table[c.Num] != nil {
		result, action = d.table[c.Num](d.log, c)
	}
	regs.RAX = uint64(result)

	if d.log.IsTrace() {
		d.log.Trace("syscall", "pid", cur.PID, "call", c.Num.String(), "result", result)
	}

	var err *kernel.Error
	switch action {
	case Yield:
		d.sched.Yield(regs)
	case Block:
		err = d.sched.Block(regs, c.token)
	case Exit:
		err = d.sched.Exit(regs, result)
	}

	if err != nil {
		regs.DumpTo(kfmt.GetOutputSink())
		panicFn(err)
	}
}
