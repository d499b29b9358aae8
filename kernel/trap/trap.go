// Package trap implements the kernel's response to CPU exceptions.
//
// An exception raised by user code is the process's fault: the process is
// terminated and the CPU is handed to the next ready process. The same
// exception raised by kernel code means the kernel's own state can no
// longer be trusted, so the registers are dumped and the machine halts.
package trap

import (
	"kcore/kernel"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/sched"

	"github.com/hashicorp/go-hclog"
)

// DoubleFaultIST is the interrupt stack table slot used by the double fault
// handler so that it runs on a known good stack.
const DoubleFaultIST = 1

var (
	// panicFn is replaced by tests.
	panicFn = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "trap", Message: "unrecoverable fault in kernel mode"}
	errDoubleFault        = &kernel.Error{Module: "trap", Message: "double fault"}
	errMachineCheck       = &kernel.Error{Module: "trap", Message: "machine check"}
)

// FaultExitCode returns the exit code of a process terminated by exception
// num.
func FaultExitCode(num gate.InterruptNumber) int64 {
	return 128 + int64(num)
}

// Handler applies the exception policy on behalf of the scheduler.
type Handler struct {
	sched *sched.Scheduler
	log   hclog.Logger
}

// Install registers a handler for every CPU exception vector in table.
func Install(table *gate.Table, s *sched.Scheduler, logger hclog.Logger) (*Handler, *kernel.Error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	h := &Handler{sched: s, log: logger}

	for num := gate.InterruptNumber(0); num < gate.NumExceptions; num++ {
		var ist uint8
		if num == gate.DoubleFault {
			ist = DoubleFaultIST
		}
		if err := table.HandleInterrupt(num, ist, h.handlerFor(num)); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func (h *Handler) handlerFor(num gate.InterruptNumber) gate.Handler {
	return func(regs *gate.Registers) {
		h.Handle(num, regs)
	}
}

// Handle applies the exception policy for vector num to the trapped frame.
func (h *Handler) Handle(num gate.InterruptNumber, regs *gate.Registers) {
	switch {
	case num == gate.DoubleFault:
		h.fatal(num, regs, errDoubleFault)
	case num == gate.MachineCheck || num == gate.NMI:
		h.fatal(num, regs, errMachineCheck)
	case !regs.UserMode():
		h.fatal(num, regs, errUnrecoverableFault)
	case num == gate.Breakpoint || num == gate.Debug:
		h.log.Info("breakpoint", "pid", h.pid(), "rip", hclog.Fmt("%#x", regs.RIP))
	default:
		h.kill(num, regs)
	}
}

// kill terminates the running process with the exit code for num and
// switches to the next process.
func (h *Handler) kill(num gate.InterruptNumber, regs *gate.Registers) {
	cur := h.sched.Current()
	kfmt.Printf("[trap] pid %d (%s) terminated: %s at %#x\n", cur.PID, cur.Name, num.String(), regs.RIP)
	h.log.Warn("process fault", "pid", cur.PID, "vector", uint8(num), "fault", num.String(), "info", regs.Info)

	if err := h.sched.Exit(regs, FaultExitCode(num)); err != nil {
		h.fatal(num, regs, err)
	}
}

func (h *Handler) fatal(num gate.InterruptNumber, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\n%s (vector %d, error code %#x) while running pid %d\n", num.String(), uint8(num), regs.Info, h.pid())
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(err)
}

func (h *Handler) pid() uint64 {
	if cur := h.sched.Current(); cur != nil {
		return uint64(cur.PID)
	}
	return 0
}
