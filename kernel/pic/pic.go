// Package pic drives the pair of cascaded 8259 programmable interrupt
// controllers that deliver the legacy hardware IRQ lines.
package pic

import (
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
)

// IRQ identifies a hardware interrupt line (0-15).
type IRQ uint8

const (
	// Timer is the line of PIT channel 0.
	Timer = IRQ(0)

	// Keyboard is the line of the PS/2 keyboard.
	Keyboard = IRQ(1)

	// Cascade is the master line the slave controller is wired to.
	Cascade = IRQ(2)

	// Disk is the default line used by the disk controller.
	Disk = IRQ(11)

	// NumLines is the number of lines served by the controller pair.
	NumLines = 16
)

const (
	masterCmd  = uint16(0x20)
	masterData = uint16(0x21)
	slaveCmd   = uint16(0xa0)
	slaveData  = uint16(0xa1)

	icw1Init = uint8(0x11) // edge triggered, cascade, ICW4 follows
	icw4x86  = uint8(0x01)
	ocw2EOI  = uint8(0x20)
)

var (
	// The following functions are replaced by tests.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Controller tracks the state of the 8259 pair. The zero value must be
// initialized with Remap before any line is unmasked.
type Controller struct {
	offset gate.InterruptNumber
	mask   uint16
}

// Remap reinitializes both controllers so that IRQ lines 0-7 are delivered
// at offset and lines 8-15 at offset+8. All lines are masked on return.
func (c *Controller) Remap(offset gate.InterruptNumber) {
	c.offset = offset

	portWriteByteFn(masterCmd, icw1Init)
	portWriteByteFn(slaveCmd, icw1Init)
	portWriteByteFn(masterData, uint8(offset))
	portWriteByteFn(slaveData, uint8(offset)+8)
	portWriteByteFn(masterData, 1<<uint8(Cascade)) // slave on line 2
	portWriteByteFn(slaveData, uint8(Cascade))     // cascade identity
	portWriteByteFn(masterData, icw4x86)
	portWriteByteFn(slaveData, icw4x86)

	c.MaskAll()
}

// Vector returns the interrupt vector irq is delivered at.
func (c *Controller) Vector(irq IRQ) gate.InterruptNumber {
	return c.offset + gate.InterruptNumber(irq)
}

// Line returns the IRQ line for a vector and whether the vector belongs to
// the controller pair.
func (c *Controller) Line(vector gate.InterruptNumber) (IRQ, bool) {
	if vector < c.offset || vector >= c.offset+NumLines {
		return 0, false
	}
	return IRQ(vector - c.offset), true
}

// MaskAll masks every line except the cascade.
func (c *Controller) MaskAll() {
	c.mask = 0xffff &^ (1 << Cascade)
	c.flushMask()
}

// Mask prevents irq from being delivered.
func (c *Controller) Mask(irq IRQ) {
	c.mask |= 1 << irq
	c.flushMask()
}

// Unmask allows irq to be delivered.
func (c *Controller) Unmask(irq IRQ) {
	c.mask &^= 1 << irq
	c.flushMask()
}

// Masked returns true if irq is currently masked.
func (c *Controller) Masked(irq IRQ) bool {
	return c.mask&(1<<irq) != 0
}

// EOI acknowledges irq. Until a line is acknowledged the controller will not
// deliver further interrupts of the same or lower priority, so handlers call
// EOI before doing any other work.
func (c *Controller) EOI(irq IRQ) {
	if irq >= 8 {
		portWriteByteFn(slaveCmd, ocw2EOI)
	}
	portWriteByteFn(masterCmd, ocw2EOI)
}

// ReadMask returns the interrupt mask registers of both controllers as
// reported by the hardware.
func (c *Controller) ReadMask() uint16 {
	return uint16(portReadByteFn(masterData)) | uint16(portReadByteFn(slaveData))<<8
}

func (c *Controller) flushMask() {
	portWriteByteFn(masterData, uint8(c.mask))
	portWriteByteFn(slaveData, uint8(c.mask>>8))
}
