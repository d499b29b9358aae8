// Package vfs defines the byte-stream file abstraction exposed by the
// filesystem collaborator and the per-process descriptor table.
package vfs

import (
	"io"
	"kcore/kernel"
)

// File is an open byte stream.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
}

// FileSystem locates files by path. The FAT32 driver implements it; the
// kernel core only ever opens files through this interface.
type FileSystem interface {
	Open(path string) (File, error)
}

// Standard descriptors installed in every new table.
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2

	// MaxFiles is the number of descriptor slots per process.
	MaxFiles = 16
)

var (
	// ErrBadFD is returned for descriptors that are out of range or not
	// open.
	ErrBadFD = &kernel.Error{Module: "vfs", Message: "bad file descriptor"}

	// ErrTooManyFiles is returned when all descriptor slots are in use.
	ErrTooManyFiles = &kernel.Error{Module: "vfs", Message: "too many open files"}

	// ErrNotSupported is returned by the console and keyboard streams for
	// operations they do not implement.
	ErrNotSupported = &kernel.Error{Module: "vfs", Message: "operation not supported"}
)

// FileTable maps descriptors to open files.
type FileTable struct {
	files [MaxFiles]File
}

// NewFileTable returns a table with the keyboard on Stdin and console on
// Stdout and Stderr.
func NewFileTable(console io.Writer) *FileTable {
	var (
		ft  FileTable
		con = &Console{W: console}
	)
	ft.files[Stdin] = Keyboard{}
	ft.files[Stdout] = con
	ft.files[Stderr] = con
	return &ft
}

// Install stores f in the lowest free slot and returns its descriptor.
func (ft *FileTable) Install(f File) (int, *kernel.Error) {
	for fd, slot := range ft.files {
		if slot == nil {
			ft.files[fd] = f
			return fd, nil
		}
	}
	return -1, ErrTooManyFiles
}

// Get returns the file bound to fd.
func (ft *FileTable) Get(fd int) (File, *kernel.Error) {
	if fd < 0 || fd >= MaxFiles || ft.files[fd] == nil {
		return nil, ErrBadFD
	}
	return ft.files[fd], nil
}

// Close closes fd and frees its slot. The slot is freed even if the file
// reports an error while closing.
func (ft *FileTable) Close(fd int) error {
	f, kerr := ft.Get(fd)
	if kerr != nil {
		return kerr
	}

	ft.files[fd] = nil
	if shared(ft, f) {
		return nil
	}
	return f.Close()
}

// CloseAll closes every open descriptor.
func (ft *FileTable) CloseAll() {
	for fd := range ft.files {
		if ft.files[fd] != nil {
			_ = ft.Close(fd)
		}
	}
}

// shared returns true if f is still installed under another descriptor.
func shared(ft *FileTable, f File) bool {
	for _, other := range ft.files {
		if other == f {
			return true
		}
	}
	return false
}

// Console is a write-only stream to the kernel console.
type Console struct {
	W io.Writer
}

// Read implements File.
func (c *Console) Read(_ []byte) (int, error) { return 0, ErrNotSupported }

// Write implements File.
func (c *Console) Write(p []byte) (int, error) { return c.W.Write(p) }

// Seek implements File.
func (c *Console) Seek(_ int64, _ int) (int64, error) { return 0, ErrNotSupported }

// Close implements File.
func (c *Console) Close() error { return nil }

// Keyboard marks the descriptor served by the keyboard input queue. Reads
// on it are handled by the input subsystem, never by the File methods.
type Keyboard struct{}

// Read implements File.
func (Keyboard) Read(_ []byte) (int, error) { return 0, ErrNotSupported }

// Write implements File.
func (Keyboard) Write(_ []byte) (int, error) { return 0, ErrNotSupported }

// Seek implements File.
func (Keyboard) Seek(_ int64, _ int) (int64, error) { return 0, ErrNotSupported }

// Close implements File.
func (Keyboard) Close() error { return nil }
