// Package pit drives channel 0 of the 8253/8254 programmable interval timer
// which provides the scheduler tick.
package pit

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
	// BaseFrequency is the input clock of the PIT in Hz.
	BaseFrequency = 1193182

	// DefaultHz is the tick rate used when none is configured.
	DefaultHz = 1073

	cmdPort      = uint16(0x43)
	channel0Port = uint16(0x40)

	// channel 0, lobyte/hibyte access, mode 3 (square wave), binary
	cmdSquareWave = uint8(0x36)
)

var (
	// portWriteByteFn is replaced by tests.
	portWriteByteFn = cpu.PortWriteByte

	errBadFrequency = &kernel.Error{Module: "pit", Message: "timer frequency out of range"}
)

// Divisor returns the reload value that makes channel 0 fire hz times per
// second.
func Divisor(hz uint32) (uint16, *kernel.Error) {
	if hz == 0 {
		return 0, errBadFrequency
	}

	div := BaseFrequency / hz
	if div == 0 || div > 0xffff {
		return 0, errBadFrequency
	}
	return uint16(div), nil
}

// Driver programs the timer and forwards each tick to the scheduler.
type Driver struct {
	res   *device.Resources
	hz    uint32
	ticks uint64
}

// DriverName implements device.Driver.
func (d *Driver) DriverName() string { return "pit" }

// DriverVersion implements device.Driver.
func (d *Driver) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit implements device.Driver.
func (d *Driver) DriverInit(w io.Writer) *kernel.Error {
	div, err := Divisor(d.hz)
	if err != nil {
		return err
	}

	if err = d.res.Gates.HandleInterrupt(d.res.PIC.Vector(pic.Timer), 0, d.handleIRQ); err != nil {
		return err
	}

	portWriteByteFn(cmdPort, cmdSquareWave)
	portWriteByteFn(channel0Port, uint8(div))
	portWriteByteFn(channel0Port, uint8(div>>8))

	kfmt.Fprintf(w, "channel 0 at %d Hz (divisor %d)\n", d.hz, div)
	return nil
}

// IRQs implements device.IRQDriver.
func (d *Driver) IRQs() []pic.IRQ { return []pic.IRQ{pic.Timer} }

// Ticks returns the number of timer interrupts handled.
func (d *Driver) Ticks() uint64 { return d.ticks }

// handleIRQ acknowledges the interrupt before entering the scheduler: a
// tick may switch to another process and the line must not stay in
// service while that process runs.
func (d *Driver) handleIRQ(regs *gate.Registers) {
	d.res.PIC.EOI(pic.Timer)
	d.ticks++
	d.res.Sched.Tick(regs)
}

func probe(res *device.Resources) device.Driver {
	if res.Gates == nil || res.PIC == nil || res.Sched == nil {
		return nil
	}

	hz := res.TimerHz
	if hz == 0 {
		hz = DefaultHz
	}
	return &Driver{res: res, hz: hz}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderTimer,
		Probe: probe,
	})
}
