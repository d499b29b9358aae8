package proc

import (
	"encoding/binary"
	"unsafe"
)

const (
	// KernelStackSize is the size of the kernel stack owned by each
	// process.
	KernelStackSize = 16 * 1024

	// stackCanary is stored at the lowest address of every kernel stack.
	// A stack that grows past its bottom overwrites it.
	stackCanary = uint64(0xdeadc0dedeadc0de)
)

// KernelStack is the fixed-size stack a process uses while it executes in
// kernel mode. Each stack belongs to exactly one PCB.
type KernelStack struct {
	buf []byte
}

func newKernelStack() *KernelStack {
	s := &KernelStack{buf: make([]byte, KernelStackSize)}
	binary.LittleEndian.PutUint64(s.buf, stackCanary)
	return s
}

// Top returns the address loaded into TSS.RSP0 while the owning process
// runs.
func (s *KernelStack) Top() uintptr {
	return uintptr(unsafe.Pointer(&s.buf[0])) + uintptr(len(s.buf))
}

// Intact returns false if the canary at the bottom of the stack has been
// overwritten.
func (s *KernelStack) Intact() bool {
	return binary.LittleEndian.Uint64(s.buf) == stackCanary
}

// Bytes returns the memory backing the stack.
func (s *KernelStack) Bytes() []byte {
	return s.buf
}
