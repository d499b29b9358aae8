// Package kernel contains the types shared by every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are defined as package-level
// variables that point to an Error so they can be compared by identity and
// reported without allocating on interrupt paths.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error prefixed with the module that raised it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
