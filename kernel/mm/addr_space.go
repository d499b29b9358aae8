package mm

import "kcore/kernel"

const (
	// UserBase is the lowest address user code may access.
	UserBase = uintptr(0x400000)

	// UserLimit is the first address above the user half of the address
	// space.
	UserLimit = uintptr(0x0000800000000000)

	// UserStackTop is the initial stack pointer of a new process.
	UserStackTop = uintptr(0x810000)
)

var (
	// ErrBadAddress is returned when a user pointer falls outside the user
	// range of the address space.
	ErrBadAddress = &kernel.Error{Module: "mm", Message: "bad user address"}

	// ErrReleased is returned when accessing an address space after
	// Release.
	ErrReleased = &kernel.Error{Module: "mm", Message: "address space released"}

	// frameAllocator hands out the page table root of new address spaces.
	frameAllocator FrameAllocatorFn = nextFrame
	lastFrame      Frame            = 0x100
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator used for page table roots.
// Passing nil restores the built-in allocator.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	if allocFn == nil {
		allocFn = nextFrame
	}
	frameAllocator = allocFn
}

func nextFrame() (Frame, *kernel.Error) {
	lastFrame++
	return lastFrame, nil
}

// AddressSpace is the handle to a process address space. The handle is owned
// by the process control block and released only when the process is
// destroyed.
type AddressSpace interface {
	// Root returns the physical address of the page table root that is
	// loaded into CR3 while the process runs.
	Root() uintptr

	// Read copies len(p) bytes starting at the user address addr into p.
	Read(addr uintptr, p []byte) *kernel.Error

	// Write copies p to the user address addr.
	Write(addr uintptr, p []byte) *kernel.Error

	// Release frees the page tables and all mapped pages.
	Release()
}

// PagedSpace is an AddressSpace backed by lazily allocated pages. Pages are
// materialized on first write; reads from untouched pages return zeroes.
type PagedSpace struct {
	root     Frame
	pages    map[Page]*[PageSize]byte
	released bool
}

// NewPagedSpace allocates a page table root and returns an empty address
// space.
func NewPagedSpace() (*PagedSpace, *kernel.Error) {
	root, err := frameAllocator()
	if err != nil {
		return nil, err
	}

	return &PagedSpace{
		root:  root,
		pages: make(map[Page]*[PageSize]byte),
	}, nil
}

// Root implements AddressSpace.
func (s *PagedSpace) Root() uintptr {
	return s.root.Address()
}

// Read implements AddressSpace.
func (s *PagedSpace) Read(addr uintptr, p []byte) *kernel.Error {
	return s.walk(addr, len(p), func(page *[PageSize]byte, off uintptr, done int) int {
		if page == nil {
			n := int(PageSize - off)
			if n > len(p)-done {
				n = len(p) - done
			}
			for i := 0; i < n; i++ {
				p[done+i] = 0
			}
			return n
		}
		return copy(p[done:], page[off:])
	}, false)
}

// Write implements AddressSpace.
func (s *PagedSpace) Write(addr uintptr, p []byte) *kernel.Error {
	return s.walk(addr, len(p), func(page *[PageSize]byte, off uintptr, done int) int {
		return copy(page[off:], p[done:])
	}, true)
}

// Release implements AddressSpace.
func (s *PagedSpace) Release() {
	s.pages = nil
	s.released = true
}

// Released returns true once Release has been called.
func (s *PagedSpace) Released() bool {
	return s.released
}

// MappedPages returns the number of pages that have been materialized.
func (s *PagedSpace) MappedPages() int {
	return len(s.pages)
}

// walk invokes fn for each page overlapping [addr, addr+length).
func (s *PagedSpace) walk(addr uintptr, length int, fn func(*[PageSize]byte, uintptr, int) int, alloc bool) *kernel.Error {
	switch {
	case s.released:
		return ErrReleased
	case !ValidUserRange(addr, uintptr(length)):
		return ErrBadAddress
	}

	for done := 0; done < length; {
		cur := addr + uintptr(done)
		page := s.pages[PageFromAddress(cur)]
		if page == nil && alloc {
			page = new([PageSize]byte)
			s.pages[PageFromAddress(cur)] = page
		}
		done += fn(page, PageOffset(cur), done)
	}

	return nil
}

// ValidUserRange returns true if [addr, addr+length) lies entirely inside
// the user portion of the address space.
func ValidUserRange(addr, length uintptr) bool {
	end := addr + length
	return addr >= UserBase && end >= addr && end <= UserLimit
}

// KernelSpace is the address space the kernel was booted with. It has no
// user mappings: every user access is rejected.
type KernelSpace struct {
	root uintptr
}

// NewKernelSpace returns the handle for the page table rooted at root.
func NewKernelSpace(root uintptr) *KernelSpace {
	return &KernelSpace{root: root}
}

// Root implements AddressSpace.
func (s *KernelSpace) Root() uintptr { return s.root }

// Read implements AddressSpace.
func (s *KernelSpace) Read(_ uintptr, _ []byte) *kernel.Error { return ErrBadAddress }

// Write implements AddressSpace.
func (s *KernelSpace) Write(_ uintptr, _ []byte) *kernel.Error { return ErrBadAddress }

// Release implements AddressSpace. The kernel space outlives every process.
func (s *KernelSpace) Release() {}
