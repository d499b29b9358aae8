// Package mm defines the page-granular view of memory used by the kernel and
// the address space handle owned by each process.
package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert an address to a page number (shift right by
	// PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)

// Frame describes a physical memory page index.
type Frame uintptr

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down to the page that contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageOffset returns the offset of virtAddr inside its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
