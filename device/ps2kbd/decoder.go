package ps2kbd

import "kcore/kernel/input"

// Decoder turns raw scancodes into key events. Multi-byte sequences are fed
// one byte at a time; ok is false while a sequence is incomplete.
type Decoder interface {
	Decode(scancode uint8) (ev input.Event, ok bool)
}

const (
	releaseBit     = 0x80
	extendedPrefix = 0xe0

	scLeftShift  = 0x2a
	scRightShift = 0x36
	scCapsLock   = 0x3a
)

// Scan set 1 make codes for a US layout, indexed by scancode. Zero entries
// are keys without a printable rune.
var (
	scanSet1        = []byte("\x00\x1b1234567890-=\b\tqwertyuiop[]\n\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 ")
	scanSet1Shifted = []byte("\x00\x1b!@#$%^&*()_+\b\tQWERTYUIOP{}\n\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 ")
)

// ScanSet1 decodes IBM PC/XT (set 1) scancodes, the set delivered by the
// controller when translation is enabled.
type ScanSet1 struct {
	shift    bool
	caps     bool
	extended bool
}

// Decode implements Decoder.
func (d *ScanSet1) Decode(scancode uint8) (input.Event, bool) {
	if scancode == extendedPrefix {
		d.extended = true
		return input.Event{}, false
	}

	pressed := scancode&releaseBit == 0
	code := scancode &^ releaseBit
	ev := input.Event{Scancode: scancode, Pressed: pressed}

	// Extended keys (arrows, right ctrl/alt, keypad enter) carry no rune.
	if d.extended {
		d.extended = false
		return ev, true
	}

	switch code {
	case scLeftShift, scRightShift:
		d.shift = pressed
		return ev, true
	case scCapsLock:
		if pressed {
			d.caps = !d.caps
		}
		return ev, true
	}

	if int(code) >= len(scanSet1) {
		return ev, true
	}

	r := rune(scanSet1[code])
	if d.shift {
		r = rune(scanSet1Shifted[code])
	}
	if d.caps && r >= 'a' && r <= 'z' {
		r -= 'a' - 'A'
	} else if d.caps && r >= 'A' && r <= 'Z' {
		r += 'a' - 'A'
	}
	ev.Rune = r
	return ev, true
}
