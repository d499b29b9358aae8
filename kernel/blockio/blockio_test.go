package blockio

import (
	"bytes"
	"errors"
	"kcore/kernel/abi"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"testing"
)

type memDisk struct {
	sectors map[uint64][]byte
	queued  []Request
	fail    error
}

func (d *memDisk) Submit(req Request) error {
	if d.fail != nil {
		return d.fail
	}
	d.queued = append(d.queued, req)
	return nil
}

// complete executes the oldest queued request against the sector map.
func (d *memDisk) complete() Request {
	req := d.queued[0]
	d.queued = d.queued[1:]

	for i := uint32(0); i < req.Count; i++ {
		chunk := req.Buf[i*SectorSize : (i+1)*SectorSize]
		if req.Write {
			d.sectors[req.LBA+uint64(i)] = append([]byte(nil), chunk...)
			continue
		}
		copy(chunk, d.sectors[req.LBA+uint64(i)])
	}
	return req
}

type wakeRecorder map[proc.Token][]int64

func (w wakeRecorder) Wake(token proc.Token, result int64) bool {
	w[token] = append(w[token], result)
	return true
}

func newProcess(t *testing.T, pid proc.PID) (*proc.PCB, *mm.PagedSpace) {
	as, err := mm.NewPagedSpace()
	if err != nil {
		t.Fatal(err)
	}
	return &proc.PCB{PID: pid, AddrSpace: as}, as
}

func TestReadCompletion(t *testing.T) {
	disk := &memDisk{sectors: map[uint64][]byte{7: bytes.Repeat([]byte{0xab}, SectorSize)}}
	woken := wakeRecorder{}
	m := NewManager(disk, woken, nil)

	p, as := newProcess(t, 4)
	addr := mm.UserBase + 0x2000

	token, err := m.Request(p, 7, 1, addr, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token.Kind != proc.BlockIO || m.Pending() != 1 {
		t.Fatalf("expected a pending block I/O token; got %s", token)
	}

	other, _ := m.Request(p, 8, 1, addr+SectorSize, false)
	if other == token {
		t.Fatal("expected each request to get its own token")
	}

	req := disk.complete()
	if !m.SignalCompletion(req.Token, nil) {
		t.Fatal("expected the completion to match a pending request")
	}

	if got := woken[token]; len(got) != 1 || got[0] != SectorSize {
		t.Fatalf("expected one wake with %d bytes; got %v", SectorSize, got)
	}
	if len(woken[other]) != 0 {
		t.Fatal("expected the unrelated request to stay blocked")
	}

	data := make([]byte, SectorSize)
	as.Read(addr, data)
	if !bytes.Equal(data, disk.sectors[7]) {
		t.Fatal("expected the sector contents to be copied to the user buffer")
	}

	if m.SignalCompletion(req.Token, nil) {
		t.Fatal("expected a second completion of the same token to be ignored")
	}
	if m.SignalCompletion(proc.Token{Kind: proc.KeyboardInput, ID: other.ID}, nil) {
		t.Fatal("expected a token of another kind to be ignored")
	}
}

func TestWriteRequest(t *testing.T) {
	disk := &memDisk{sectors: map[uint64][]byte{}}
	woken := wakeRecorder{}
	m := NewManager(disk, woken, nil)

	p, as := newProcess(t, 1)
	payload := bytes.Repeat([]byte("kcore"), 2*SectorSize/5+1)[:2*SectorSize]
	as.Write(mm.UserBase, payload)

	token, err := m.Request(p, 100, 2, mm.UserBase, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The process may scribble over its buffer while the request is in
	// flight; the disk sees the data at submission time.
	as.Write(mm.UserBase, make([]byte, 2*SectorSize))

	m.SignalCompletion(disk.complete().Token, nil)
	if got := woken[token]; len(got) != 1 || got[0] != 2*SectorSize {
		t.Fatalf("expected a wake with %d bytes; got %v", 2*SectorSize, got)
	}
	if !bytes.Equal(disk.sectors[101], payload[SectorSize:]) {
		t.Fatal("expected the second sector to hold the second half of the payload")
	}
}

func TestDeviceError(t *testing.T) {
	disk := &memDisk{sectors: map[uint64][]byte{}}
	woken := wakeRecorder{}
	m := NewManager(disk, woken, nil)

	p, _ := newProcess(t, 1)
	token, _ := m.Request(p, 0, 1, mm.UserBase, false)

	m.SignalCompletion(token, errors.New("media error"))
	if got := woken[token]; len(got) != 1 || got[0] != int64(abi.EIO) {
		t.Fatalf("expected a wake with EIO; got %v", got)
	}
}

func TestRequestValidation(t *testing.T) {
	p, _ := newProcess(t, 1)
	woken := wakeRecorder{}

	specs := []struct {
		disk   Disk
		count  uint32
		addr   uintptr
		expErr error
	}{
		{nil, 1, mm.UserBase, ErrNoDisk},
		{&memDisk{}, 0, mm.UserBase, ErrBadRequest},
		{&memDisk{}, MaxSectors + 1, mm.UserBase, ErrBadRequest},
		{&memDisk{}, 1, 0x1000, mm.ErrBadAddress},
		{&memDisk{fail: errors.New("queue full")}, 1, mm.UserBase, ErrSubmit},
	}

	for specIndex, spec := range specs {
		m := NewManager(spec.disk, woken, nil)
		_, err := m.Request(p, 0, spec.count, spec.addr, false)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
		if m.Pending() != 0 {
			t.Errorf("[spec %d] expected no pending requests", specIndex)
		}
	}

	if len(woken) != 0 {
		t.Fatal("expected failed submissions not to wake anybody")
	}
}
