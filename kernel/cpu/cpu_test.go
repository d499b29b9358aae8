package cpu

import "testing"

type portLog struct {
	writes map[uint16][]uint8
	reads  map[uint16]uint8
}

func (p *portLog) InByte(port uint16) uint8 { return p.reads[port] }

func (p *portLog) OutByte(port uint16, val uint8) {
	p.writes[port] = append(p.writes[port], val)
}

func TestInterruptFlag(t *testing.T) {
	defer Reset()
	Reset()

	if InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled after Reset")
	}

	EnableInterrupts()
	if !InterruptsEnabled() {
		t.Fatal("expected interrupts to be enabled")
	}

	DisableInterrupts()
	if InterruptsEnabled() {
		t.Fatal("expected interrupts to be disabled")
	}
}

func TestHaltAndWait(t *testing.T) {
	defer Reset()
	Reset()

	WaitForInterrupt()
	if !Waiting() || !InterruptsEnabled() {
		t.Fatal("expected WaitForInterrupt to enable interrupts and suspend the CPU")
	}

	Resume()
	if Waiting() {
		t.Fatal("expected Resume to clear the waiting state")
	}

	Halt()
	if !Halted() || InterruptsEnabled() {
		t.Fatal("expected Halt to disable interrupts and stop the CPU")
	}
}

func TestControlRegisters(t *testing.T) {
	defer Reset()
	Reset()

	SwitchPDT(0x1000)
	if got := ActivePDT(); got != 0x1000 {
		t.Errorf("expected ActivePDT to return 0x1000; got 0x%x", got)
	}

	SetKernelStack(0xdead0000)
	if got := KernelStack(); got != 0xdead0000 {
		t.Errorf("expected KernelStack to return 0xdead0000; got 0x%x", got)
	}

	if IDTLoaded() {
		t.Error("expected no IDT after Reset")
	}

	LoadIDT(0x2000, 4095)
	if !IDTLoaded() {
		t.Error("expected IDTLoaded to return true")
	}
	if base, limit := IDT(); base != 0x2000 || limit != 4095 {
		t.Errorf("expected IDT to return (0x2000, 4095); got (0x%x, %d)", base, limit)
	}
}

func TestPortIO(t *testing.T) {
	defer Reset()
	Reset()

	if got := PortReadByte(0x60); got != 0xff {
		t.Fatalf("expected read from unpopulated port to return 0xff; got 0x%x", got)
	}

	bus := &portLog{
		writes: make(map[uint16][]uint8),
		reads:  map[uint16]uint8{0x60: 0x1e},
	}
	AttachPortBus(bus)

	PortWriteByte(0x20, 0x20)
	PortWriteByte(0x20, 0x11)
	if got := bus.writes[0x20]; len(got) != 2 || got[0] != 0x20 || got[1] != 0x11 {
		t.Errorf("expected port 0x20 to receive [0x20 0x11]; got %v", got)
	}

	if got := PortReadByte(0x60); got != 0x1e {
		t.Errorf("expected PortReadByte(0x60) to return 0x1e; got 0x%x", got)
	}
}
