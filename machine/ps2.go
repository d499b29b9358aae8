package machine

import (
	"fmt"
	"sync"
)

const (
	ps2Data   = uint16(0x60)
	ps2Status = uint16(0x64)

	ps2OutputFull = uint8(1 << 0)

	scLeftShift = uint8(0x2a)
	scBreak     = uint8(0x80)

	// ps2FIFOSize is the depth of the controller output queue. Scancodes
	// arriving while it is full are lost.
	ps2FIFOSize = 1024
)

// US layout, scan set 1, indexed by make code.
const (
	layoutPlain   = "\x00\x1b1234567890-=\b\tqwertyuiop[]\n\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 "
	layoutShifted = "\x00\x1b!@#$%^&*()_+\b\tQWERTYUIOP{}\n\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 "
)

type keyCode struct {
	code  uint8
	shift bool
}

var keyCodes = func() map[rune]keyCode {
	m := make(map[rune]keyCode)
	for code := len(layoutShifted) - 1; code > 0; code-- {
		if r := rune(layoutShifted[code]); r != 0 {
			m[r] = keyCode{code: uint8(code), shift: true}
		}
	}
	// Unshifted entries win for keys that print the same rune.
	for code := len(layoutPlain) - 1; code > 0; code-- {
		if r := rune(layoutPlain[code]); r != 0 {
			m[r] = keyCode{code: uint8(code)}
		}
	}
	m['\r'] = m['\n']
	return m
}()

// Scancodes returns the make and break codes typed for text.
func Scancodes(text string) ([]uint8, error) {
	var codes []uint8
	for _, r := range text {
		key, ok := keyCodes[r]
		if !ok {
			return nil, fmt.Errorf("no key produces %q", r)
		}
		if key.shift {
			codes = append(codes, scLeftShift)
		}
		codes = append(codes, key.code, key.code|scBreak)
		if key.shift {
			codes = append(codes, scLeftShift|scBreak)
		}
	}
	return codes, nil
}

// Keyboard models a PS/2 controller with a keyboard attached. Every
// scancode in the output queue raises IRQ1 once it reaches the head of the
// queue. Keys may be injected from any goroutine.
type Keyboard struct {
	mu       sync.Mutex
	fifo     []uint8
	signaled bool

	// Lost counts the scancodes dropped because the queue was full.
	Lost uint64
}

// Press queues raw scancodes.
func (k *Keyboard) Press(codes ...uint8) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, code := range codes {
		if len(k.fifo) == ps2FIFOSize {
			k.Lost++
			continue
		}
		k.fifo = append(k.fifo, code)
	}
}

// Type queues the scancodes that produce text.
func (k *Keyboard) Type(text string) error {
	codes, err := Scancodes(text)
	if err != nil {
		return err
	}
	k.Press(codes...)
	return nil
}

// Buffered returns the number of queued scancodes.
func (k *Keyboard) Buffered() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.fifo)
}

// OutByte implements the port side of the controller. Controller commands
// are accepted and ignored.
func (k *Keyboard) OutByte(uint16, uint8) {}

// InByte implements the port side of the controller.
func (k *Keyboard) InByte(port uint16) uint8 {
	k.mu.Lock()
	defer k.mu.Unlock()

	switch port {
	case ps2Status:
		if len(k.fifo) != 0 {
			return ps2OutputFull
		}
		return 0
	case ps2Data:
		if len(k.fifo) == 0 {
			return 0
		}
		code := k.fifo[0]
		k.fifo = k.fifo[1:]
		k.signaled = false
		return code
	}
	return 0xff
}

// tick reports whether the scancode at the head of the queue raises IRQ1.
func (k *Keyboard) tick() bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.fifo) == 0 || k.signaled {
		return false
	}
	k.signaled = true
	return true
}
