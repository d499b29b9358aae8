package gate

const (
	// stubBase is the address of the first generated entry stub. The stub
	// for vector n lives at stubBase + n*stubSize.
	stubBase = uintptr(0xffffffff80100000)
	stubSize = uintptr(16)

	gateTypeInterrupt = uint8(0xe)
	gatePresent       = uint8(1 << 7)
)

// Descriptor is a 16-byte x86_64 IDT gate descriptor.
type Descriptor struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	Reserved   uint32
}

// StubAddress returns the address of the entry stub that saves the register
// frame and calls Dispatch for the given vector.
func StubAddress(num InterruptNumber) uintptr {
	return stubBase + uintptr(num)*stubSize
}

func newDescriptor(offset uintptr, istOffset, dpl uint8) Descriptor {
	return Descriptor{
		OffsetLow:  uint16(offset),
		Selector:   KernelCodeSelector,
		IST:        istOffset & 0x7,
		TypeAttr:   gatePresent | (dpl&3)<<5 | gateTypeInterrupt,
		OffsetMid:  uint16(offset >> 16),
		OffsetHigh: uint32(offset >> 32),
	}
}

// Offset returns the handler address encoded in the descriptor.
func (d Descriptor) Offset() uintptr {
	return uintptr(d.OffsetLow) | uintptr(d.OffsetMid)<<16 | uintptr(d.OffsetHigh)<<32
}

// Present returns true if the gate can be invoked.
func (d Descriptor) Present() bool {
	return d.TypeAttr&gatePresent != 0
}

// DPL returns the lowest privilege level allowed to invoke the gate with a
// software interrupt.
func (d Descriptor) DPL() uint8 {
	return (d.TypeAttr >> 5) & 3
}
