package machine

const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	pitAccessLoHi = 3
)

// PIT models channel 0 of the interval timer. Once a reload value has been
// latched the channel raises IRQ0 every period cycles. The reload value is
// recorded but the period is fixed by the machine configuration so that
// simulated time does not depend on the host.
type PIT struct {
	period uint64

	access  uint8
	lowByte uint8
	hiNext  bool

	divisor uint16
	armed   bool
	next    uint64

	// Ticks counts the IRQ0 edges raised.
	Ticks uint64
}

// Divisor returns the reload value programmed into channel 0.
func (t *PIT) Divisor() uint16 {
	return t.divisor
}

// Armed returns true once channel 0 is counting.
func (t *PIT) Armed() bool {
	return t.armed
}

// OutByte implements the port side of the timer.
func (t *PIT) OutByte(port uint16, val uint8) {
	switch port {
	case pitCommand:
		if val>>6 != 0 {
			return // only channel 0 is wired
		}
		t.access = (val >> 4) & 3
		t.hiNext = false
		t.armed = false
	case pitChannel0:
		if t.access != pitAccessLoHi {
			t.divisor = uint16(val)
			t.arm()
			return
		}
		if !t.hiNext {
			t.lowByte, t.hiNext = val, true
			return
		}
		t.divisor = uint16(val)<<8 | uint16(t.lowByte)
		t.hiNext = false
		t.arm()
	}
}

// InByte implements the port side of the timer. Counter read back is not
// modeled.
func (t *PIT) InByte(uint16) uint8 {
	return 0
}

func (t *PIT) arm() {
	t.armed = true
	t.next = 0
}

// tick advances the channel to cycle and reports whether IRQ0 fires.
func (t *PIT) tick(cycle uint64) bool {
	if !t.armed || t.period == 0 {
		return false
	}
	if t.next == 0 {
		t.next = cycle + t.period
		return false
	}
	if cycle < t.next {
		return false
	}

	t.next = cycle + t.period
	t.Ticks++
	return true
}
