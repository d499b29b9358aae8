// Package device defines the interface implemented by device drivers and
// the registry the hardware abstraction layer probes at boot.
package device

import (
	"io"
	"kcore/kernel"
	"kcore/kernel/blockio"
	"kcore/kernel/gate"
	"kcore/kernel/input"
	"kcore/kernel/pic"
	"kcore/kernel/sched"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprint.
	DriverInit(io.Writer) *kernel.Error
}

// IRQDriver is implemented by drivers that raise interrupts. After all
// drivers are initialized the kernel unmasks the returned lines.
type IRQDriver interface {
	Driver
	IRQs() []pic.IRQ
}

// DiskController is the host controller of the disk collaborator. Issued
// requests complete asynchronously; the controller raises its IRQ when
// completions are available.
type DiskController interface {
	Issue(req blockio.Request) error
	Completed() []blockio.Completion
}

// Resources gives drivers access to the interrupt plumbing and the kernel
// services they feed.
type Resources struct {
	Gates  *gate.Table
	PIC    *pic.Controller
	Sched  *sched.Scheduler
	Input  *input.Hub
	Blocks *blockio.Manager

	// TimerHz is the frequency of the scheduler tick.
	TimerHz uint32

	// DiskIRQ is the line the disk controller is wired to.
	DiskIRQ pic.IRQ

	// DiskController is nil when no disk is attached.
	DiskController DiskController
}

// ProbeFn is a function that scans for the presence of a particular
// piece of hardware and returns a driver for it.
type ProbeFn func(*Resources) Driver

// DetectOrder specifies when each driver's probe function will be invoked
// by the hal package.
type DetectOrder int8

const (
	// DetectOrderEarly drivers are probed before any other driver.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderTimer is used by the scheduler clock source.
	DetectOrderTimer = -64

	// DetectOrderInput is used by input devices.
	DetectOrderInput = 0

	// DetectOrderStorage is used by block devices.
	DetectOrderStorage = 64

	// DetectOrderLast drivers are probed after all other drivers.
	DetectOrderLast = 127
)

// DriverInfo is used to register a driver.
type DriverInfo struct {
	// Order specifies at which stage of the hardware detection process
	// this driver is probed.
	Order DetectOrder

	// Probe is a function that scans for the presence of the hardware
	// and returns a driver for it or nil if the hardware is missing.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers that implements
// sort.Interface.
type DriverInfoList []*DriverInfo

// Len returns the length of the driver info list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges 2 elements in the driver info list.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less compares 2 elements of the driver info list.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

var registeredDrivers DriverInfoList

// RegisterDriver adds the supplied driver info object to the list of
// registered drivers. The list can be retrieved by a call to DriverList.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns a copy of the registered driver list.
func DriverList() DriverInfoList {
	return append(DriverInfoList(nil), registeredDrivers...)
}
