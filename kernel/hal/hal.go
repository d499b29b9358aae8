// Package hal probes the registered device drivers and initializes the
// hardware that is present.
package hal

import (
	"bytes"
	"io"
	"kcore/device"
	"kcore/kernel/kfmt"
	"sort"
)

// DetectHardware probes for hardware devices using the registered drivers,
// ordered by detection priority, and initializes the drivers whose hardware
// was found. Driver output is written to w with a "[hal] name(x.y.z): "
// prefix. The successfully initialized drivers are returned.
func DetectHardware(res *device.Resources, w io.Writer) []device.Driver {
	drivers := device.DriverList()
	sort.Stable(drivers)

	return probe(drivers, res, w)
}

// probe executes the probe function for each driver and initializes the
// drivers it returns.
func probe(driverInfoList device.DriverInfoList, res *device.Resources, sink io.Writer) []device.Driver {
	var (
		active []device.Driver
		strBuf bytes.Buffer
		w      = kfmt.PrefixWriter{Sink: sink}
	)

	for _, info := range driverInfoList {
		drv := info.Probe(res)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		active = append(active, drv)
	}

	return active
}
