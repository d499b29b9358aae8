package pit

import (
	"bytes"
	"kcore/device"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/mm"
	"kcore/kernel/pic"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"testing"
)

type portWrite struct {
	port uint16
	val  uint8
}

func TestDivisor(t *testing.T) {
	specs := []struct {
		hz     uint32
		exp    uint16
		expErr bool
	}{
		{1073, 1112, false},
		{100, 11931, false},
		{18, 0, true},
		{0, 0, true},
		{BaseFrequency + 1, 0, true},
	}

	for specIndex, spec := range specs {
		got, err := Divisor(spec.hz)
		if (err != nil) != spec.expErr {
			t.Errorf("[spec %d] unexpected error state: %v", specIndex, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[spec %d] expected divisor %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestTimerDriver(t *testing.T) {
	defer func(orig func(uint16, uint8)) { portWriteByteFn = orig }(portWriteByteFn)
	defer cpu.Reset()
	cpu.Reset()

	var writes []portWrite
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, portWrite{port, val})
	}

	// Record which process is current whenever the controller receives
	// an EOI.
	var (
		events []string
		s      *sched.Scheduler
	)
	cpu.AttachPortBus(&recordingBus{onEOI: func() {
		if s != nil && s.Current() != nil {
			events = append(events, "eoi:"+s.Current().Name)
		}
	}})

	var (
		table gate.Table
		ctrl  pic.Controller
	)
	ctrl.Remap(gate.IRQBase)

	s = sched.New(proc.NewTable(nil), 1, mm.NewKernelSpace(0x1000), nil)
	for _, name := range []string{"A", "B"} {
		as, _ := mm.NewPagedSpace()
		s.CreateProcess(name, proc.IdlePID, 0x401000, gate.Registers{}, as)
	}

	res := &device.Resources{Gates: &table, PIC: &ctrl, Sched: s, TimerHz: 1073}
	drv := probe(res).(*Driver)

	var buf bytes.Buffer
	if err := drv.DriverInit(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.String() != "channel 0 at 1073 Hz (divisor 1112)\n" {
		t.Fatalf("unexpected init output %q", buf.String())
	}

	expWrites := []portWrite{{0x43, 0x36}, {0x40, 0x58}, {0x40, 0x04}}
	if len(writes) != len(expWrites) {
		t.Fatalf("expected %d port writes; got %v", len(expWrites), writes)
	}
	for i := range expWrites {
		if writes[i] != expWrites[i] {
			t.Fatalf("expected port writes %v; got %v", expWrites, writes)
		}
	}

	if !table.Bound(gate.IRQBase) {
		t.Fatal("expected the timer vector to be bound")
	}

	var regs gate.Registers
	s.Start(&regs)

	table.Dispatch(ctrl.Vector(pic.Timer), &regs)
	if drv.Ticks() != 1 || s.Current().Name != "B" {
		t.Fatalf("expected the tick to preempt A; got ticks %d current %s", drv.Ticks(), s.Current().Name)
	}
	if len(events) != 1 || events[0] != "eoi:A" {
		t.Fatalf("expected the interrupt to be acknowledged first; got %v", events)
	}
}

func TestProbeWithoutScheduler(t *testing.T) {
	if probe(&device.Resources{}) != nil {
		t.Fatal("expected no driver without kernel resources")
	}
}

type recordingBus struct {
	onEOI func()
}

func (b *recordingBus) InByte(uint16) uint8 { return 0 }

func (b *recordingBus) OutByte(port uint16, val uint8) {
	if port == 0x20 && val == 0x20 {
		b.onEOI()
	}
}
