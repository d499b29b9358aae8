package machine

import (
	"errors"
	"fmt"
	"kcore/kernel/blockio"
)

var (
	errMediumError = errors.New("disk: unrecoverable read error")
	errOutOfRange  = errors.New("disk: sector out of range")
)

type diskCommand struct {
	req blockio.Request
	due uint64
}

// Disk models an AHCI-like controller with a single drive backed by memory.
// Commands execute in issue order once their latency has elapsed. The
// controller raises its IRQ whenever commands complete; the completions are
// collected by the driver from the interrupt handler.
type Disk struct {
	sectors  map[uint64][]byte
	bad      map[uint64]bool
	capacity uint64
	latency  uint64

	irq  uint8
	now  uint64
	cmds []diskCommand
	done []blockio.Completion

	// Issued and Failed count the commands accepted and completed with
	// an error.
	Issued, Failed uint64
}

func newDisk(capacity, latency uint64) *Disk {
	return &Disk{
		sectors:  make(map[uint64][]byte),
		bad:      make(map[uint64]bool),
		capacity: capacity,
		latency:  latency,
	}
}

// Capacity returns the number of sectors on the drive.
func (d *Disk) Capacity() uint64 {
	return d.capacity
}

// Load writes data to the drive starting at lba, bypassing the controller.
func (d *Disk) Load(lba uint64, data []byte) error {
	for off := 0; off < len(data); off += blockio.SectorSize {
		if lba >= d.capacity {
			return fmt.Errorf("load at lba %d: %w", lba, errOutOfRange)
		}

		sector := make([]byte, blockio.SectorSize)
		copy(sector, data[off:])
		d.sectors[lba] = sector
		lba++
	}
	return nil
}

// Sector returns a copy of the contents of lba.
func (d *Disk) Sector(lba uint64) []byte {
	sector := make([]byte, blockio.SectorSize)
	copy(sector, d.sectors[lba])
	return sector
}

// MarkBad makes every command touching lba fail.
func (d *Disk) MarkBad(lba uint64) {
	d.bad[lba] = true
}

// Busy returns true while commands are executing or completions wait to be
// collected.
func (d *Disk) Busy() bool {
	return len(d.cmds) != 0 || len(d.done) != 0
}

// Issue implements device.DiskController. The command is queued; it never
// completes before the next machine cycle.
func (d *Disk) Issue(req blockio.Request) error {
	if req.Count == 0 || len(req.Buf) != int(req.Count)*blockio.SectorSize {
		return fmt.Errorf("disk: malformed command for lba %d", req.LBA)
	}

	d.Issued++
	d.cmds = append(d.cmds, diskCommand{req: req, due: d.now + d.latency + 1})
	return nil
}

// Completed implements device.DiskController.
func (d *Disk) Completed() []blockio.Completion {
	done := d.done
	d.done = nil
	return done
}

// tick executes the commands that are due at cycle and reports whether the
// controller raises its IRQ.
func (d *Disk) tick(cycle uint64) bool {
	d.now = cycle

	var completed int
	for len(d.cmds) != 0 && d.cmds[0].due <= cycle {
		cmd := d.cmds[0]
		d.cmds = d.cmds[1:]

		err := d.execute(cmd.req)
		if err != nil {
			d.Failed++
		}
		d.done = append(d.done, blockio.Completion{Token: cmd.req.Token, Err: err})
		completed++
	}

	return completed != 0
}

func (d *Disk) execute(req blockio.Request) error {
	if req.LBA >= d.capacity || uint64(req.Count) > d.capacity-req.LBA {
		return errOutOfRange
	}
	for i := uint64(0); i < uint64(req.Count); i++ {
		if d.bad[req.LBA+i] {
			return errMediumError
		}
	}

	for i := uint64(0); i < uint64(req.Count); i++ {
		buf := req.Buf[i*blockio.SectorSize : (i+1)*blockio.SectorSize]
		if req.Write {
			d.sectors[req.LBA+i] = append([]byte(nil), buf...)
			continue
		}
		copy(buf, d.Sector(req.LBA+i))
	}
	return nil
}
