// Package sched implements the round-robin scheduler. Every change of the
// process bound to the CPU, whether caused by a timer tick, a syscall or an
// idle CPU, goes through a single entry point that picks the next process
// and performs the context switch on the trapped register frame.
package sched

import (
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"kcore/kernel/sync"

	"github.com/hashicorp/go-hclog"
)

// IdleEntry is the address of the idle loop executed when no process is
// ready to run.
const IdleEntry = uintptr(0xffffffff80200000)

// DefaultQuantum is the number of timer ticks a process may run before it
// is preempted.
const DefaultQuantum = 20

// Reason describes why the scheduler was entered.
type Reason uint8

const (
	// Preempt is used when the running process exhausted its quantum.
	Preempt Reason = iota

	// Yield is used when the running process gives up the CPU.
	Yield

	// Block is used after the running process moved to Blocked.
	Block

	// Exit is used after the running process moved to Zombie.
	Exit

	// Idle is used by the idle loop when work became available.
	Idle
)

var reasonNames = [...]string{"preempt", "yield", "block", "exit", "idle"}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

var (
	// The following functions are replaced by tests.
	waitForInterruptFn = cpu.WaitForInterrupt
	panicFn            = kfmt.Panic

	errNotStarted  = &kernel.Error{Module: "sched", Message: "scheduler not started"}
	errIdleBlocked = &kernel.Error{Module: "sched", Message: "idle task cannot block or exit"}
	errLostProcess = &kernel.Error{Module: "sched", Message: "ready queue references unknown process"}

	// ErrNotChild is returned by Wait when the target is not a child of
	// the running process.
	ErrNotChild = &kernel.Error{Module: "sched", Message: "not a child of the running process"}
)

// Scheduler owns the process table, the ready queue and the wait lists.
// All of its state is guarded by an IRQLock so that it can be shared between
// interrupt handlers and process context.
type Scheduler struct {
	lock sync.IRQLock

	procs   *proc.Table
	ready   proc.ReadyQueue
	current *proc.PCB
	idle    *proc.PCB

	// waiters lists, per token, the blocked PIDs in the order they
	// blocked.
	waiters map[proc.Token][]proc.PID

	quantum uint32
	log     hclog.Logger
}

// New returns a scheduler for the processes in procs. The idle task runs in
// kernel, the address space that is active when New is called.
func New(procs *proc.Table, quantum uint32, kernel mm.AddressSpace, logger hclog.Logger) *Scheduler {
	if quantum == 0 {
		quantum = DefaultQuantum
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	return &Scheduler{
		procs:   procs,
		idle:    proc.NewIdle(IdleEntry, kernel),
		waiters: make(map[proc.Token][]proc.PID),
		quantum: quantum,
		log:     logger,
	}
}

// Current returns the process bound to the CPU or nil before Start.
func (s *Scheduler) Current() *proc.PCB {
	return s.current
}

// IdleTask returns the PCB of the idle task.
func (s *Scheduler) IdleTask() *proc.PCB {
	return s.idle
}

// Quantum returns the configured time slice in ticks.
func (s *Scheduler) Quantum() uint32 {
	return s.quantum
}

// ReadyPIDs returns the ready queue from front to back.
func (s *Scheduler) ReadyPIDs() []proc.PID {
	var pids []proc.PID
	s.lock.Do(func() { pids = s.ready.PIDs() })
	return pids
}

// Lookup returns the PCB for pid.
func (s *Scheduler) Lookup(pid proc.PID) (*proc.PCB, *kernel.Error) {
	return s.procs.Lookup(pid)
}

// CreateProcess adds a new Ready process at the back of the ready queue.
func (s *Scheduler) CreateProcess(name string, parent proc.PID, entry uintptr, regs gate.Registers, as mm.AddressSpace) (*proc.PCB, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	p, err := s.procs.Create(name, parent, entry, regs, as)
	if err != nil {
		return nil, err
	}
	if err = s.ready.Push(p); err != nil {
		return nil, err
	}

	s.log.Debug("process created", "pid", p.PID, "name", name, "entry", hclog.Fmt("%#x", entry))
	return p, nil
}

// Start binds the first ready process (or the idle task) to the CPU by
// loading its context into regs. The contents of regs at the time of the
// call are discarded.
func (s *Scheduler) Start(regs *gate.Registers) {
	s.lock.Acquire()
	defer s.lock.Release()

	next := s.pickNext()
	if next == nil {
		return
	}
	s.switchTo(nil, next, regs)
	s.log.Debug("scheduler started", "pid", next.PID)
}

// Tick is invoked by the timer interrupt handler. It charges one tick to the
// running process and preempts it once its quantum is exhausted. An idle
// CPU is handed to the first ready process on the next tick.
func (s *Scheduler) Tick(regs *gate.Registers) {
	s.lock.Acquire()
	defer s.lock.Release()

	cur := s.current
	switch {
	case cur == nil:
		return
	case cur == s.idle:
		if s.ready.Len() != 0 {
			s.reschedule(regs, Preempt)
		}
		return
	}

	if cur.Quantum > 0 {
		cur.Quantum--
	}
	if cur.Quantum == 0 {
		s.reschedule(regs, Preempt)
	}
}

// Yield moves the running process to the back of the ready queue regardless
// of its remaining quantum.
func (s *Scheduler) Yield(regs *gate.Registers) {
	s.lock.Do(func() { s.reschedule(regs, Yield) })
}

// Block moves the running process to Blocked until token is signaled via
// Wake and switches to the next process.
func (s *Scheduler) Block(regs *gate.Registers, token proc.Token) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	cur := s.current
	switch {
	case cur == nil:
		return errNotStarted
	case cur == s.idle:
		return errIdleBlocked
	}

	if err := cur.Block(token); err != nil {
		return err
	}
	s.waiters[token] = append(s.waiters[token], cur.PID)
	s.log.Trace("blocked", "pid", cur.PID, "token", token.String())

	s.reschedule(regs, Block)
	return nil
}

// Exit records code as the exit code of the running process, turns it into
// a Zombie and switches to the next process. A parent waiting for the
// process receives the exit code and the zombie is reaped on its behalf.
func (s *Scheduler) Exit(regs *gate.Registers, code int64) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	cur := s.current
	switch {
	case cur == nil:
		return errNotStarted
	case cur == s.idle:
		return errIdleBlocked
	}

	if err := cur.Exit(code); err != nil {
		return err
	}
	s.log.Debug("process exited", "pid", cur.PID, "code", code)

	collected := s.wake(proc.Token{Kind: proc.ChildExit, ID: uint64(cur.PID)}, code)
	s.reschedule(regs, Exit)

	if collected {
		if _, err := s.procs.Reap(cur.PID); err != nil {
			return err
		}
	}
	return nil
}

// Wake moves the first process blocked on token back to Ready and stores
// result in its RAX. It returns false if no process waits for token. Wake
// never switches processes, so it is safe to call from device interrupt
// handlers.
func (s *Scheduler) Wake(token proc.Token, result int64) bool {
	var woken bool
	s.lock.Do(func() { woken = s.wake(token, result) })
	return woken
}

func (s *Scheduler) wake(token proc.Token, result int64) bool {
	pids := s.waiters[token]
	if len(pids) == 0 {
		return false
	}

	pid := pids[0]
	if len(pids) == 1 {
		delete(s.waiters, token)
	} else {
		s.waiters[token] = pids[1:]
	}

	p, err := s.procs.Lookup(pid)
	if err != nil {
		return false
	}

	p.Context.RAX = uint64(result)
	if err = p.SetState(proc.Ready); err != nil {
		s.fatal(err, p)
		return false
	}
	if err = s.ready.Push(p); err != nil {
		s.fatal(err, p)
		return false
	}

	s.log.Trace("woken", "pid", pid, "token", token.String(), "result", result)
	return true
}

// Waiting returns the number of processes blocked on token.
func (s *Scheduler) Waiting(token proc.Token) int {
	var n int
	s.lock.Do(func() { n = len(s.waiters[token]) })
	return n
}

// Idle is executed by the idle loop. If a process became ready the CPU is
// handed to it; otherwise the CPU sleeps until the next interrupt.
func (s *Scheduler) Idle(regs *gate.Registers) {
	s.lock.Acquire()
	if s.ready.Len() != 0 {
		s.reschedule(regs, Idle)
		s.lock.Release()
		return
	}
	s.lock.Release()

	waitForInterruptFn()
}

// Wait prepares the running process to collect the exit code of child pid.
// If the child already exited it is reaped and done is true. Otherwise the
// returned token must be passed to Block; the exit code is delivered in RAX
// when the child exits.
func (s *Scheduler) Wait(pid proc.PID) (code int64, token proc.Token, done bool, err *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.current == nil {
		return 0, token, false, errNotStarted
	}

	child, err := s.procs.Lookup(pid)
	if err != nil {
		return 0, token, false, err
	}
	if child.Parent != s.current.PID {
		return 0, token, false, ErrNotChild
	}

	if _, exited := child.ExitCode(); exited {
		code, err = s.procs.Reap(pid)
		return code, token, err == nil, err
	}

	return 0, proc.Token{Kind: proc.ChildExit, ID: uint64(pid)}, false, nil
}

// Reap destroys a Zombie process and returns its exit code.
func (s *Scheduler) Reap(pid proc.PID) (int64, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	return s.procs.Reap(pid)
}

// reschedule is the single path through which the running process loses the
// CPU. Preempted and yielding processes go to the back of the ready queue;
// blocked and exited ones are expected to have changed state already. If no
// other process is ready, a running process keeps the CPU with a fresh
// quantum and a process that can no longer run hands it to the idle task.
func (s *Scheduler) reschedule(regs *gate.Registers, reason Reason) {
	s.lock.Acquire()
	defer s.lock.Release()

	prev := s.current
	if prev == nil {
		return
	}

	if prev.State() == proc.Running {
		if s.ready.Len() == 0 {
			prev.Quantum = s.quantum
			return
		}

		if err := prev.SetState(proc.Ready); err != nil {
			s.fatal(err, prev)
			return
		}
		if prev != s.idle {
			if err := s.ready.Push(prev); err != nil {
				s.fatal(err, prev)
				return
			}
		}
	}

	next := s.pickNext()
	if next == nil {
		return
	}

	s.switchTo(prev, next, regs)
	s.log.Trace("switch", "from", prev.PID, "to", next.PID, "reason", reason.String())
}

// pickNext pops the front of the ready queue, falling back to the idle task,
// and marks the chosen process as Running with a full quantum.
func (s *Scheduler) pickNext() *proc.PCB {
	next := s.idle
	if pid, ok := s.ready.Pop(); ok {
		p, err := s.procs.Lookup(pid)
		if err != nil {
			s.fatal(errLostProcess, nil)
			return nil
		}
		next = p
	}

	if err := next.SetState(proc.Running); err != nil {
		s.fatal(err, next)
		return nil
	}
	next.Quantum = s.quantum
	return next
}

// fatal reports a violated scheduler invariant and halts the CPU.
func (s *Scheduler) fatal(err *kernel.Error, p *proc.PCB) {
	if p != nil {
		kfmt.Printf("\n[sched] invariant violated by pid %d (%s), state %s\n", p.PID, p.Name, p.State())
		p.Context.DumpTo(kfmt.GetOutputSink())
	}
	s.log.Error("fatal scheduler error", "error", err.Message)
	panicFn(err)
}
