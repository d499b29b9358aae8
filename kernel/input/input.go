// Package input buffers keyboard input and hands it to processes blocked in
// a read from their standard input.
package input

import (
	"kcore/kernel"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"kcore/kernel/sync"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
)

// BufferSize is the number of input bytes buffered while no process reads
// from the keyboard. When the buffer is full the oldest bytes are dropped.
const BufferSize = 256

// Event is a decoded keyboard event.
type Event struct {
	Scancode uint8
	Rune     rune
	Pressed  bool
}

// Waker moves a blocked process back to the ready queue. It is implemented
// by the scheduler.
type Waker interface {
	Wake(token proc.Token, result int64) bool
}

type reader struct {
	pid  proc.PID
	as   mm.AddressSpace
	addr uintptr
	max  int
}

// Hub connects the keyboard interrupt handler to the processes reading
// input. Push is called from interrupt context and never blocks.
type Hub struct {
	lock  sync.IRQLock
	waker Waker
	log   hclog.Logger

	buf        [BufferSize]byte
	head, size int
	dropped    uint64

	readers []reader
}

// NewHub returns a Hub that wakes readers through waker.
func NewHub(waker Waker, logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Hub{waker: waker, log: logger}
}

// Token returns the token a process blocked in a keyboard read waits on.
func Token(pid proc.PID) proc.Token {
	return proc.Token{Kind: proc.KeyboardInput, ID: uint64(pid)}
}

// Push delivers the input produced by ev. Key releases and keys without a
// printable rune produce no input. Input goes to the processes that have
// been waiting the longest, in order; whatever they cannot take is buffered.
func (h *Hub) Push(ev Event) {
	if !ev.Pressed || ev.Rune == 0 {
		return
	}

	var enc [utf8.UTFMax]byte
	data := enc[:utf8.EncodeRune(enc[:], ev.Rune)]

	h.lock.Acquire()
	defer h.lock.Release()

	h.buffer(data)
	for len(h.readers) != 0 && h.size != 0 {
		r := h.readers[0]
		h.readers = h.readers[1:]

		n, err := h.drain(r.as, r.addr, r.max)
		if err != nil {
			h.log.Warn("dropping input for reader", "pid", r.pid, "error", err.Message)
		}
		h.waker.Wake(Token(r.pid), int64(n))
	}
}

// Read copies up to n buffered bytes to addr in the address space of p and
// returns the count. If no input is buffered the caller is registered as a
// reader and blocked is true: the caller must block on the returned token,
// and will be woken with the number of bytes delivered by a later Push.
func (h *Hub) Read(p *proc.PCB, addr uintptr, n int) (count int, token proc.Token, blocked bool, err *kernel.Error) {
	if n == 0 {
		return 0, token, false, nil
	}
	if !mm.ValidUserRange(addr, uintptr(n)) {
		return 0, token, false, mm.ErrBadAddress
	}

	h.lock.Acquire()
	defer h.lock.Release()

	if h.size == 0 {
		h.readers = append(h.readers, reader{pid: p.PID, as: p.AddrSpace, addr: addr, max: n})
		return 0, Token(p.PID), true, nil
	}

	count, err = h.drain(p.AddrSpace, addr, n)
	return count, token, false, err
}

// drain moves up to limit buffered bytes to addr in as. Bytes are only
// consumed if the copy succeeds.
func (h *Hub) drain(as mm.AddressSpace, addr uintptr, limit int) (int, *kernel.Error) {
	n := limit
	if n > h.size {
		n = h.size
	}

	out := make([]byte, n)
	for i := range out {
		out[i] = h.buf[(h.head+i)%BufferSize]
	}
	if err := as.Write(addr, out); err != nil {
		return 0, err
	}

	h.head = (h.head + n) % BufferSize
	h.size -= n
	return n, nil
}

// Buffered returns the number of bytes waiting for a reader.
func (h *Hub) Buffered() int {
	return h.size
}

// Readers returns the number of processes blocked waiting for input.
func (h *Hub) Readers() int {
	return len(h.readers)
}

// Dropped returns the number of bytes discarded because the buffer was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped
}

func (h *Hub) buffer(data []byte) {
	for _, b := range data {
		if h.size == BufferSize {
			h.head = (h.head + 1) % BufferSize
			h.size--
			h.dropped++
		}
		h.buf[(h.head+h.size)%BufferSize] = b
		h.size++
	}
}
