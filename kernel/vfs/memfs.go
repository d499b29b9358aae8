package vfs

import (
	"bytes"
	"kcore/kernel"
)

// ErrNotFound is returned by MemFS for unknown paths.
var ErrNotFound = &kernel.Error{Module: "vfs", Message: "file not found"}

// MemFS is a read-only filesystem image held in memory. It stands in for
// the FAT32 volume when the kernel runs without a disk-backed filesystem.
type MemFS map[string][]byte

// Open implements FileSystem.
func (fs MemFS) Open(path string) (File, error) {
	data, ok := fs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return &memFile{Reader: bytes.NewReader(data)}, nil
}

type memFile struct {
	*bytes.Reader
}

func (f *memFile) Write(_ []byte) (int, error) { return 0, ErrNotSupported }

func (f *memFile) Close() error { return nil }
