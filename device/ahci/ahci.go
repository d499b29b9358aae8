// Package ahci binds the disk controller collaborator to the kernel: it
// submits block requests to the controller and, from the disk interrupt,
// reports completed requests to the block I/O manager.
package ahci

import (
	"io"
	"kcore/device"
	"kcore/kernel"
	"kcore/kernel/blockio"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/pic"
)

// Driver is the disk interrupt glue. It implements blockio.Disk.
type Driver struct {
	res       *device.Resources
	ctrl      device.DiskController
	irq       pic.IRQ
	completed uint64
}

// DriverName implements device.Driver.
func (d *Driver) DriverName() string { return "ahci" }

// DriverVersion implements device.Driver.
func (d *Driver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit implements device.Driver.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	if err := d.res.Gates.HandleInterrupt(d.res.PIC.Vector(d.irq), 0, d.handleIRQ); err != nil {
		return err
	}
	d.res.Blocks.Attach(d)

	kfmt.Fprintf(w, "controller on irq %d\n", d.irq)
	return nil
}

// IRQs implements device.IRQDriver. Lines on the slave controller also
// need the cascade line unmasked.
func (d *Driver) IRQs() []pic.IRQ {
	if d.irq >= 8 {
		return []pic.IRQ{pic.Cascade, d.irq}
	}
	return []pic.IRQ{d.irq}
}

// Submit implements blockio.Disk.
func (d *Driver) Submit(req blockio.Request) error {
	return d.ctrl.Issue(req)
}

// Completed returns the number of completions reported to the kernel.
func (d *Driver) Completed() uint64 { return d.completed }

func (d *Driver) handleIRQ(_ *gate.Registers) {
	d.res.PIC.EOI(d.irq)

	for _, c := range d.ctrl.Completed() {
		d.completed++
		d.res.Blocks.SignalCompletion(c.Token, c.Err)
	}
}

func probe(res *device.Resources) device.Driver {
	if res.Gates == nil || res.PIC == nil || res.Blocks == nil || res.DiskController == nil {
		return nil
	}

	irq := res.DiskIRQ
	if irq == 0 {
		irq = pic.Disk
	}
	return &Driver{res: res, ctrl: res.DiskController, irq: irq}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderStorage,
		Probe: probe,
	})
}
