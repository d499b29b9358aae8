package proc

import "strconv"

// State describes where a process is in its lifecycle.
type State uint8

const (
	// Ready processes are eligible to run and are queued in the ready
	// queue.
	Ready State = iota

	// Running is the state of the single process bound to the CPU.
	Running

	// Blocked processes wait for the event identified by their token.
	Blocked

	// Zombie processes have exited and keep their exit code until reaped.
	Zombie
)

var stateNames = [...]string{"ready", "running", "blocked", "zombie"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// CanTransition returns true if moving from s to next is a legal edge of the
// process state machine.
func (s State) CanTransition(next State) bool {
	switch s {
	case Ready:
		return next == Running
	case Running:
		return next == Ready || next == Blocked || next == Zombie
	case Blocked:
		return next == Ready
	}
	return false
}

// TokenKind classifies the event a blocked process waits for.
type TokenKind uint8

const (
	// NoToken is the zero kind carried by processes that are not blocked.
	NoToken TokenKind = iota

	// KeyboardInput waits for the next decoded key press.
	KeyboardInput

	// BlockIO waits for the completion of a specific disk request; the
	// token ID is the completion token handed to the disk.
	BlockIO

	// ChildExit waits for the child whose PID is the token ID to exit.
	ChildExit
)

// Token identifies the event a Blocked process waits for. Two tokens match
// only if both the kind and the ID are equal.
type Token struct {
	Kind TokenKind
	ID   uint64
}

// String implements fmt.Stringer.
func (t Token) String() string {
	switch t.Kind {
	case KeyboardInput:
		return "keyboard"
	case BlockIO:
		return "blockio#" + strconv.FormatUint(t.ID, 10)
	case ChildExit:
		return "child#" + strconv.FormatUint(t.ID, 10)
	}
	return "none"
}
