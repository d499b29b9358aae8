// Package abi defines the user-mode interface of the kernel: the syscall
// numbers, the error values returned to user code and the ABI version.
//
// A syscall is invoked with INT 0x80. The syscall number is passed in RAX and
// up to five arguments in RDI, RSI, RDX, R10 and R8. The result is returned
// in RAX; negative results are Errno values.
package abi

import (
	"strconv"

	"github.com/Masterminds/semver/v3"
)

// Number identifies a syscall.
type Number uint64

const (
	// SysPrint writes a UTF-8 string to the console: print(buf, len).
	SysPrint Number = iota

	// SysExit terminates the caller: exit(code). It never returns.
	SysExit

	// SysYield gives up the rest of the caller's quantum.
	SysYield

	// SysOpen opens a file: open(path, len) -> fd.
	SysOpen

	// SysRead reads from a descriptor: read(fd, buf, len) -> count.
	SysRead

	// SysWrite writes to a descriptor: write(fd, buf, len) -> count.
	SysWrite

	// SysSeek moves the file offset: seek(fd, off, whence) -> offset.
	SysSeek

	// SysClose releases a descriptor: close(fd).
	SysClose

	// SysGetPID returns the caller's PID.
	SysGetPID

	// SysWait reaps a child, blocking until it exits: wait(pid) -> code.
	// Processes created by the loader are children of the idle task, so
	// for them every pid yields ECHILD.
	SysWait

	// SysReadBlock reads sectors from the disk:
	// read_block(lba, count, buf) -> bytes.
	SysReadBlock

	// SysWriteBlock writes sectors to the disk:
	// write_block(lba, count, buf) -> bytes.
	SysWriteBlock

	// SysABIVersion returns the packed ABI version.
	SysABIVersion

	// NumSyscalls is the size of the syscall table.
	NumSyscalls
)

var numberNames = [...]string{
	"print", "exit", "yield", "open", "read", "write", "seek", "close",
	"getpid", "wait", "read_block", "write_block", "abi_version",
}

// String returns the name of the syscall.
func (n Number) String() string {
	if n < NumSyscalls {
		return numberNames[n]
	}
	return "sys_" + strconv.FormatUint(uint64(n), 10)
}

// Errno is a negative error value returned in RAX.
type Errno int64

const (
	ENOENT Errno = -2
	EIO    Errno = -5
	EBADF  Errno = -9
	ECHILD Errno = -10
	EFAULT Errno = -14
	EINVAL Errno = -22
	EMFILE Errno = -24
	ENOSYS Errno = -38
	EILSEQ Errno = -84
)

var errnoNames = map[Errno]string{
	ENOENT: "no such file or directory",
	EIO:    "input/output error",
	EBADF:  "bad file descriptor",
	ECHILD: "no child process",
	EFAULT: "bad address",
	EINVAL: "invalid argument",
	EMFILE: "too many open files",
	ENOSYS: "function not implemented",
	EILSEQ: "invalid or incomplete multibyte character",
}

// Error implements error.
func (e Errno) Error() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return "errno " + strconv.FormatInt(int64(e), 10)
}

// Version is the version of the syscall table. The minor version is bumped
// whenever syscalls are appended; existing numbers never change meaning.
var Version = semver.MustParse("1.1.0")

// Compatible returns true if Version satisfies the constraint declared by a
// program, e.g. "^1.0" or ">= 1.1, < 2".
func Compatible(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, err
	}
	return c.Check(Version), nil
}

// PackedVersion returns Version encoded the way SysABIVersion reports it:
// major<<32 | minor<<16 | patch.
func PackedVersion() int64 {
	return int64(Version.Major())<<32 | int64(Version.Minor())<<16 | int64(Version.Patch())
}
