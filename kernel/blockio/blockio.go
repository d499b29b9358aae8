// Package blockio tracks the outstanding disk requests issued on behalf of
// processes. A process that requests a transfer blocks on the completion
// token of its request until the disk interrupt handler signals that the
// request finished.
package blockio

import (
	"kcore/kernel"
	"kcore/kernel/abi"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"kcore/kernel/sync"

	"github.com/hashicorp/go-hclog"
)

const (
	// SectorSize is the size of a disk sector in bytes.
	SectorSize = 512

	// MaxSectors is the largest transfer a single request may ask for.
	MaxSectors = 128
)

var (
	// ErrBadRequest is returned for zero-length or oversized transfers.
	ErrBadRequest = &kernel.Error{Module: "blockio", Message: "invalid sector range"}

	// ErrSubmit is returned when the disk rejects a request.
	ErrSubmit = &kernel.Error{Module: "blockio", Message: "disk rejected request"}

	// ErrNoDisk is returned when no disk is attached.
	ErrNoDisk = &kernel.Error{Module: "blockio", Message: "no disk attached"}
)

// Request describes a transfer between the disk and a kernel buffer. Buf
// holds Count*SectorSize bytes; for writes it is filled before submission.
type Request struct {
	Token proc.Token
	LBA   uint64
	Count uint32
	Buf   []byte
	Write bool
}

// Disk accepts requests for asynchronous execution. Completion is reported
// later, from the disk interrupt handler, via Manager.SignalCompletion;
// Submit must never report a completion itself.
type Disk interface {
	Submit(Request) error
}

// Waker moves a blocked process back to the ready queue. It is implemented
// by the scheduler.
type Waker interface {
	Wake(token proc.Token, result int64) bool
}

type pending struct {
	pid  proc.PID
	as   mm.AddressSpace
	addr uintptr
	req  Request
}

// Manager issues block requests for processes and completes them.
type Manager struct {
	lock    sync.IRQLock
	disk    Disk
	waker   Waker
	log     hclog.Logger
	lastID  uint64
	pending map[uint64]pending
}

// NewManager returns a manager that submits requests to disk.
func NewManager(disk Disk, waker Waker, logger hclog.Logger) *Manager {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		disk:    disk,
		waker:   waker,
		log:     logger,
		pending: make(map[uint64]pending),
	}
}

// Attach replaces the disk requests are submitted to.
func (m *Manager) Attach(disk Disk) {
	m.disk = disk
}

// Request submits a transfer of count sectors starting at lba, to or from
// the buffer at addr in the address space of p. On success the caller must
// block on the returned token; it will be woken with the number of bytes
// transferred or a negative errno. A request that cannot be submitted
// returns an error and nothing waits on it.
func (m *Manager) Request(p *proc.PCB, lba uint64, count uint32, addr uintptr, write bool) (proc.Token, *kernel.Error) {
	var token proc.Token

	switch {
	case m.disk == nil:
		return token, ErrNoDisk
	case count == 0 || count > MaxSectors:
		return token, ErrBadRequest
	}

	size := int(count) * SectorSize
	if !mm.ValidUserRange(addr, uintptr(size)) {
		return token, mm.ErrBadAddress
	}

	buf := make([]byte, size)
	if write {
		if err := p.AddrSpace.Read(addr, buf); err != nil {
			return token, err
		}
	}

	m.lock.Acquire()
	defer m.lock.Release()

	m.lastID++
	token = proc.Token{Kind: proc.BlockIO, ID: m.lastID}
	req := Request{Token: token, LBA: lba, Count: count, Buf: buf, Write: write}

	if err := m.disk.Submit(req); err != nil {
		m.log.Warn("submit failed", "pid", p.PID, "lba", lba, "count", count, "error", err)
		return proc.Token{}, ErrSubmit
	}

	m.pending[token.ID] = pending{pid: p.PID, as: p.AddrSpace, addr: addr, req: req}
	m.log.Trace("submitted", "pid", p.PID, "token", token.String(), "lba", lba, "count", count, "write", write)
	return token, nil
}

// SignalCompletion completes the request identified by token. Read data is
// copied to the requester's buffer before it is woken. A failed transfer
// wakes the requester with EIO. Unknown or already completed tokens are
// ignored and false is returned.
func (m *Manager) SignalCompletion(token proc.Token, ioErr error) bool {
	m.lock.Acquire()
	defer m.lock.Release()

	if token.Kind != proc.BlockIO {
		return false
	}
	p, ok := m.pending[token.ID]
	if !ok {
		m.log.Warn("completion for unknown request", "token", token.String())
		return false
	}
	delete(m.pending, token.ID)

	result := int64(len(p.req.Buf))
	switch {
	case ioErr != nil:
		m.log.Warn("request failed", "pid", p.pid, "token", token.String(), "error", ioErr)
		result = int64(abi.EIO)
	case !p.req.Write:
		if err := p.as.Write(p.addr, p.req.Buf); err != nil {
			result = int64(abi.EFAULT)
		}
	}

	m.waker.Wake(token, result)
	return true
}

// Pending returns the number of requests awaiting completion.
func (m *Manager) Pending() int {
	return len(m.pending)
}

// Completion reports the outcome of a request executed by the disk.
type Completion struct {
	Token proc.Token
	Err   error
}
