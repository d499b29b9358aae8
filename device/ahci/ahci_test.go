package ahci

import (
	"errors"
	"io"
	"kcore/device"
	"kcore/kernel/blockio"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/mm"
	"kcore/kernel/pic"
	"kcore/kernel/proc"
	"testing"
)

type fakeController struct {
	issued []blockio.Request
	done   []blockio.Completion
}

func (c *fakeController) Issue(req blockio.Request) error {
	c.issued = append(c.issued, req)
	return nil
}

func (c *fakeController) Completed() []blockio.Completion {
	done := c.done
	c.done = nil
	return done
}

type wakeLog map[proc.Token]int64

func (w wakeLog) Wake(token proc.Token, result int64) bool {
	w[token] = result
	return true
}

func TestDiskIRQ(t *testing.T) {
	defer cpu.Reset()
	cpu.Reset()

	var eois []uint16
	cpu.AttachPortBus(busFunc(func(port uint16, val uint8) {
		if val == 0x20 && (port == 0x20 || port == 0xa0) {
			eois = append(eois, port)
		}
	}))

	var (
		table gate.Table
		ctrl  pic.Controller
		hc    fakeController
		woken = wakeLog{}
	)
	ctrl.Remap(gate.IRQBase)
	blocks := blockio.NewManager(nil, woken, nil)

	drv := probe(&device.Resources{Gates: &table, PIC: &ctrl, Blocks: blocks, DiskController: &hc}).(*Driver)
	if err := drv.DriverInit(io.Discard); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if irqs := drv.IRQs(); len(irqs) != 2 || irqs[0] != pic.Cascade || irqs[1] != pic.Disk {
		t.Fatalf("expected the cascade and disk lines; got %v", irqs)
	}

	as, _ := mm.NewPagedSpace()
	p := &proc.PCB{PID: 3, AddrSpace: as}
	ok, _ := blocks.Request(p, 1, 1, mm.UserBase, false)
	bad, _ := blocks.Request(p, 2, 1, mm.UserBase+blockio.SectorSize, false)
	if len(hc.issued) != 2 {
		t.Fatalf("expected the requests to reach the controller; got %d", len(hc.issued))
	}

	hc.done = []blockio.Completion{{Token: ok}, {Token: bad, Err: errors.New("crc error")}}
	var regs gate.Registers
	table.Dispatch(ctrl.Vector(pic.Disk), &regs)

	if woken[ok] != blockio.SectorSize || woken[bad] != -5 {
		t.Fatalf("unexpected wake results %v", woken)
	}
	if drv.Completed() != 2 || blocks.Pending() != 0 {
		t.Fatal("expected both requests to be completed")
	}

	// A slave line is acknowledged at the slave and then the master.
	if len(eois) != 2 || eois[0] != 0xa0 || eois[1] != 0x20 {
		t.Fatalf("expected EOI to the slave then the master; got %v", eois)
	}
}

func TestProbe(t *testing.T) {
	res := &device.Resources{Gates: &gate.Table{}, PIC: &pic.Controller{}, Blocks: blockio.NewManager(nil, wakeLog{}, nil)}
	if probe(res) != nil {
		t.Fatal("expected no driver without a controller")
	}

	res.DiskController = &fakeController{}
	res.DiskIRQ = 5
	drv := probe(res).(*Driver)
	if irqs := drv.IRQs(); len(irqs) != 1 || irqs[0] != 5 {
		t.Fatalf("expected the configured line; got %v", irqs)
	}
}

type busFunc func(port uint16, val uint8)

func (f busFunc) InByte(uint16) uint8 { return 0 }

func (f busFunc) OutByte(port uint16, val uint8) { f(port, val) }
