// Package proc implements the process control block store: the PCBs, their
// state machine and the ready queue.
package proc

import (
	"kcore/kernel"
	"kcore/kernel/gate"
	"kcore/kernel/mm"
	"kcore/kernel/vfs"
)

// PID uniquely identifies a process. PIDs are assigned in increasing order
// and never reused.
type PID uint64

// IdlePID is reserved for the idle task.
const IdlePID = PID(0)

var (
	errIllegalTransition = &kernel.Error{Module: "proc", Message: "illegal process state transition"}
	errAlreadyExited     = &kernel.Error{Module: "proc", Message: "exit code already recorded"}
)

// PCB is the kernel's record of one process.
type PCB struct {
	PID    PID
	Parent PID
	Name   string

	// Context holds the register frame saved when the process was last
	// switched out. For a process that never ran it holds the entry
	// point and the initial register values.
	Context gate.Registers

	Stack     *KernelStack
	AddrSpace mm.AddressSpace
	Files     *vfs.FileTable

	// WaitingOn identifies the event a Blocked process waits for.
	WaitingOn Token

	// Quantum is the number of timer ticks left before preemption.
	Quantum uint32

	// Dispatches counts how many times the process was switched in.
	Dispatches uint64

	state    State
	exitCode int64
	exited   bool
}

// State returns the current state of the process.
func (p *PCB) State() State {
	return p.state
}

// SetState moves the process to next. Transitions into Zombie must go
// through Exit so that the exit code is recorded together with the state.
func (p *PCB) SetState(next State) *kernel.Error {
	if next == Zombie || !p.state.CanTransition(next) {
		return errIllegalTransition
	}

	p.state = next
	if next != Blocked {
		p.WaitingOn = Token{}
	}
	return nil
}

// Block moves a running process to Blocked waiting for token.
func (p *PCB) Block(token Token) *kernel.Error {
	if err := p.SetState(Blocked); err != nil {
		return err
	}
	p.WaitingOn = token
	return nil
}

// Exit records the exit code and moves the process to Zombie in one step.
func (p *PCB) Exit(code int64) *kernel.Error {
	switch {
	case p.exited:
		return errAlreadyExited
	case !p.state.CanTransition(Zombie):
		return errIllegalTransition
	}

	p.exitCode, p.exited, p.state = code, true, Zombie
	p.WaitingOn = Token{}
	return nil
}

// ExitCode returns the recorded exit code and whether the process has
// exited.
func (p *PCB) ExitCode() (int64, bool) {
	return p.exitCode, p.exited
}
