// Package ps2kbd implements the interrupt handler of the PS/2 keyboard. The
// handler acknowledges the interrupt, reads one scancode and pushes the
// decoded event to the input hub.
package ps2kbd

import (
	"io"
	"kcore/device"
	"kcore/kernel"
	"kcore/kernel/cpu"
	"kcore/kernel/gate"
	"kcore/kernel/kfmt"
	"kcore/kernel/pic"
)

const (
	dataPort   = uint16(0x60)
	statusPort = uint16(0x64)

	statusOutputFull = uint8(1 << 0)
)

var (
	// portReadByteFn is replaced by tests.
	portReadByteFn = cpu.PortReadByte
)

// Driver is the PS/2 keyboard driver.
type Driver struct {
	res     *device.Resources
	decoder Decoder
	events  uint64
}

// DriverName implements device.Driver.
func (d *Driver) DriverName() string { return "ps2kbd" }

// DriverVersion implements device.Driver.
func (d *Driver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit implements device.Driver.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	if err := d.res.Gates.HandleInterrupt(d.res.PIC.Vector(pic.Keyboard), 0, d.handleIRQ); err != nil {
		return err
	}

	// Discard any scancode left over from the firmware.
	for i := 0; i < 16 && portReadByteFn(statusPort)&statusOutputFull != 0; i++ {
		portReadByteFn(dataPort)
	}

	kfmt.Fprintf(w, "scan set 1 decoder\n")
	return nil
}

// IRQs implements device.IRQDriver.
func (d *Driver) IRQs() []pic.IRQ { return []pic.IRQ{pic.Keyboard} }

// Events returns the number of key events delivered to the input hub.
func (d *Driver) Events() uint64 { return d.events }

func (d *Driver) handleIRQ(_ *gate.Registers) {
	d.res.PIC.EOI(pic.Keyboard)

	scancode := portReadByteFn(dataPort)
	if ev, ok := d.decoder.Decode(scancode); ok {
		d.events++
		d.res.Input.Push(ev)
	}
}

func probe(res *device.Resources) device.Driver {
	if res.Gates == nil || res.PIC == nil || res.Input == nil {
		return nil
	}

	// No controller answers on an empty bus.
	if portReadByteFn(statusPort) == 0xff {
		return nil
	}
	return &Driver{res: res, decoder: &ScanSet1{}}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderInput,
		Probe: probe,
	})
}
