package machine

const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)

	picCascadeLine = 2
)

// chip is one 8259. Lines are prioritized by number, line 0 first.
type chip struct {
	irr uint8 // requests latched on a rising edge
	isr uint8 // lines being serviced
	imr uint8 // masked lines

	offset uint8

	// icw is the next initialization word expected on the data port or 0
	// once the chip is operational.
	icw     uint8
	needsW4 bool
	readISR bool
}

func (c *chip) command(val uint8) {
	switch {
	case val&0x10 != 0: // ICW1
		*c = chip{icw: 2, needsW4: val&0x01 != 0}
	case val&0x18 == 0x08: // OCW3
		if val&0x02 != 0 {
			c.readISR = val&0x01 != 0
		}
	case val&0xe0 == 0x20: // non-specific EOI
		for bit := uint8(0); bit < 8; bit++ {
			if c.isr&(1<<bit) != 0 {
				c.isr &^= 1 << bit
				return
			}
		}
	case val&0xe0 == 0x60: // specific EOI
		c.isr &^= 1 << (val & 7)
	}
}

func (c *chip) data(val uint8) {
	switch c.icw {
	case 2:
		c.offset = val &^ 7
		c.icw = 3
	case 3:
		c.icw = 0
		if c.needsW4 {
			c.icw = 4
		}
	case 4:
		c.icw = 0
	default:
		c.imr = val
	}
}

func (c *chip) status() uint8 {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

// highest returns the line that would be delivered next given the request
// lines irr. A line in service blocks itself and every lower priority line.
func (c *chip) highest(irr uint8) (uint8, bool) {
	req := irr &^ c.imr
	for bit := uint8(0); bit < 8; bit++ {
		if c.isr&(1<<bit) != 0 {
			return 0, false
		}
		if req&(1<<bit) != 0 {
			return bit, true
		}
	}
	return 0, false
}

// PIC models a cascaded pair of 8259 controllers in edge triggered, fully
// nested mode. The slave output is wired to master line 2.
type PIC struct {
	master chip
	slave  chip

	// Delivered counts the interrupts acknowledged per line.
	Delivered [16]uint64
}

// Raise signals an edge on irq.
func (p *PIC) Raise(irq uint8) {
	if irq < 8 {
		p.master.irr |= 1 << irq
		return
	}
	p.slave.irr |= 1 << (irq - 8)
}

func (p *PIC) masterRequests() uint8 {
	irr := p.master.irr
	if _, ok := p.slave.highest(p.slave.irr); ok {
		irr |= 1 << picCascadeLine
	}
	return irr
}

// Pending returns true if the pair asserts the CPU interrupt line.
func (p *PIC) Pending() bool {
	_, ok := p.master.highest(p.masterRequests())
	return ok
}

// Acknowledge performs the interrupt acknowledge cycle: the highest priority
// request moves to in-service and its vector is returned.
func (p *PIC) Acknowledge() (uint8, bool) {
	bit, ok := p.master.highest(p.masterRequests())
	if !ok {
		return 0, false
	}

	p.master.isr |= 1 << bit
	if bit != picCascadeLine || p.master.irr&(1<<picCascadeLine) != 0 {
		p.master.irr &^= 1 << bit
		p.Delivered[bit]++
		return p.master.offset + bit, true
	}

	sbit, _ := p.slave.highest(p.slave.irr)
	p.slave.irr &^= 1 << sbit
	p.slave.isr |= 1 << sbit
	p.Delivered[8+sbit]++
	return p.slave.offset + sbit, true
}

// InService returns the in-service registers of both chips, slave in the
// high byte.
func (p *PIC) InService() uint16 {
	return uint16(p.master.isr) | uint16(p.slave.isr)<<8
}

// Mask returns the interrupt mask registers of both chips, slave in the high
// byte.
func (p *PIC) Mask() uint16 {
	return uint16(p.master.imr) | uint16(p.slave.imr)<<8
}

// Offsets returns the vector bases programmed by ICW2.
func (p *PIC) Offsets() (master, slave uint8) {
	return p.master.offset, p.slave.offset
}

// OutByte implements the port side of the controller.
func (p *PIC) OutByte(port uint16, val uint8) {
	switch port {
	case picMasterCmd:
		p.master.command(val)
	case picMasterData:
		p.master.data(val)
	case picSlaveCmd:
		p.slave.command(val)
	case picSlaveData:
		p.slave.data(val)
	}
}

// InByte implements the port side of the controller.
func (p *PIC) InByte(port uint16) uint8 {
	switch port {
	case picMasterCmd:
		return p.master.status()
	case picMasterData:
		return p.master.imr
	case picSlaveCmd:
		return p.slave.status()
	case picSlaveData:
		return p.slave.imr
	}
	return 0xff
}
