package syscall

import (
	"io"
	"kcore/kernel"
	"kcore/kernel/abi"
	"kcore/kernel/blockio"
	"kcore/kernel/mm"
	"kcore/kernel/proc"
	"kcore/kernel/sched"
	"kcore/kernel/vfs"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
)

const (
	// MaxTransfer is the largest buffer a single read, write or print may
	// reference.
	MaxTransfer = 64 * 1024

	// MaxPath is the longest path accepted by open.
	MaxPath = 255
)

// errno translates a kernel error into the value returned to user code.
func errno(err *kernel.Error) int64 {
	switch err {
	case mm.ErrBadAddress, mm.ErrReleased:
		return int64(abi.EFAULT)
	case vfs.ErrBadFD:
		return int64(abi.EBADF)
	case vfs.ErrTooManyFiles:
		return int64(abi.EMFILE)
	case vfs.ErrNotSupported, blockio.ErrBadRequest:
		return int64(abi.EINVAL)
	case sched.ErrNotChild:
		return int64(abi.ECHILD)
	case blockio.ErrNoDisk:
		return int64(abi.ENOSYS)
	}
	return int64(abi.EIO)
}

// file returns the open file bound to fd.
func (c *Call) file(fd uint64) (vfs.File, int64) {
	if fd >= vfs.MaxFiles {
		return nil, int64(abi.EBADF)
	}
	f, err := c.Proc.Files.Get(int(fd))
	if err != nil {
		return nil, errno(err)
	}
	return f, 0
}

// userBuffer copies length bytes from the caller's address space.
func (c *Call) userBuffer(addr, length uint64) ([]byte, int64) {
	if length > MaxTransfer {
		return nil, int64(abi.EINVAL)
	}
	buf := make([]byte, length)
	if err := c.Proc.AddrSpace.Read(uintptr(addr), buf); err != nil {
		return nil, errno(err)
	}
	return buf, 0
}

func sysPrint(_ hclog.Logger, c *Call) (int64, Action) {
	buf, e := c.userBuffer(c.Args[0], c.Args[1])
	if e != 0 {
		return e, Resume
	}
	if !utf8.Valid(buf) {
		return int64(abi.EILSEQ), Resume
	}

	n, err := c.d.svc.Console.Write(buf)
	if err != nil {
		return int64(abi.EIO), Resume
	}
	return int64(n), Resume
}

func sysExit(l hclog.Logger, c *Call) (int64, Action) {
	code := int64(c.Args[0])
	l.Debug("exit", "pid", c.Proc.PID, "code", code)
	return code, Exit
}

func sysYield(_ hclog.Logger, _ *Call) (int64, Action) {
	return 0, Yield
}

func sysOpen(l hclog.Logger, c *Call) (int64, Action) {
	if c.Args[1] == 0 || c.Args[1] > MaxPath {
		return int64(abi.EINVAL), Resume
	}
	path, e := c.userBuffer(c.Args[0], c.Args[1])
	if e != 0 {
		return e, Resume
	}
	if c.d.svc.FS == nil {
		return int64(abi.ENOENT), Resume
	}

	f, err := c.d.svc.FS.Open(string(path))
	if err != nil {
		l.Debug("open failed", "pid", c.Proc.PID, "path", string(path), "error", err)
		return int64(abi.ENOENT), Resume
	}

	fd, kerr := c.Proc.Files.Install(f)
	if kerr != nil {
		f.Close()
		return errno(kerr), Resume
	}
	return int64(fd), Resume
}

func sysRead(_ hclog.Logger, c *Call) (int64, Action) {
	f, e := c.file(c.Args[0])
	if e != 0 {
		return e, Resume
	}
	if c.Args[2] > MaxTransfer {
		return int64(abi.EINVAL), Resume
	}
	addr, length := uintptr(c.Args[1]), int(c.Args[2])

	if _, isKeyboard := f.(vfs.Keyboard); isKeyboard {
		if c.d.svc.Input == nil {
			return 0, Resume
		}
		n, token, blocked, err := c.d.svc.Input.Read(c.Proc, addr, length)
		switch {
		case err != nil:
			return errno(err), Resume
		case blocked:
			return c.BlockOn(token)
		}
		return int64(n), Resume
	}

	if !mm.ValidUserRange(addr, uintptr(length)) {
		return int64(abi.EFAULT), Resume
	}

	buf := make([]byte, length)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return errnoFor(err), Resume
	}
	if kerr := c.Proc.AddrSpace.Write(addr, buf[:n]); kerr != nil {
		return errno(kerr), Resume
	}
	return int64(n), Resume
}

func sysWrite(_ hclog.Logger, c *Call) (int64, Action) {
	f, e := c.file(c.Args[0])
	if e != 0 {
		return e, Resume
	}
	buf, e := c.userBuffer(c.Args[1], c.Args[2])
	if e != 0 {
		return e, Resume
	}

	n, err := f.Write(buf)
	if err != nil {
		return errnoFor(err), Resume
	}
	return int64(n), Resume
}

func sysSeek(_ hclog.Logger, c *Call) (int64, Action) {
	f, e := c.file(c.Args[0])
	if e != 0 {
		return e, Resume
	}

	whence := int(c.Args[2])
	if whence != io.SeekStart && whence != io.SeekCurrent && whence != io.SeekEnd {
		return int64(abi.EINVAL), Resume
	}

	off, err := f.Seek(int64(c.Args[1]), whence)
	if err != nil {
		return errnoFor(err), Resume
	}
	return off, Resume
}

func sysClose(_ hclog.Logger, c *Call) (int64, Action) {
	if c.Args[0] >= vfs.MaxFiles {
		return int64(abi.EBADF), Resume
	}
	if err := c.Proc.Files.Close(int(c.Args[0])); err != nil {
		return errnoFor(err), Resume
	}
	return 0, Resume
}

func sysGetPID(_ hclog.Logger, c *Call) (int64, Action) {
	return int64(c.Proc.PID), Resume
}

// sysWait reaps a Zombie child or blocks on its ChildExit token. Only
// processes created with a parent other than the idle task have children;
// no syscall creates one.
func sysWait(_ hclog.Logger, c *Call) (int64, Action) {
	code, token, done, err := c.d.sched.Wait(proc.PID(c.Args[0]))
	switch {
	case err != nil:
		return int64(abi.ECHILD), Resume
	case done:
		return code, Resume
	}
	return c.BlockOn(token)
}

func sysReadBlock(l hclog.Logger, c *Call) (int64, Action) {
	return blockTransfer(l, c, false)
}

func sysWriteBlock(l hclog.Logger, c *Call) (int64, Action) {
	return blockTransfer(l, c, true)
}

func blockTransfer(_ hclog.Logger, c *Call, write bool) (int64, Action) {
	if c.d.svc.Disk == nil {
		return int64(abi.ENOSYS), Resume
	}
	if c.Args[1] > blockio.MaxSectors {
		return int64(abi.EINVAL), Resume
	}

	token, err := c.d.svc.Disk.Request(c.Proc, c.Args[0], uint32(c.Args[1]), uintptr(c.Args[2]), write)
	if err != nil {
		return errno(err), Resume
	}
	return c.BlockOn(token)
}

func sysABIVersion(_ hclog.Logger, _ *Call) (int64, Action) {
	return abi.PackedVersion(), Resume
}

// errnoFor translates errors returned by files.
func errnoFor(err error) int64 {
	if kerr, ok := err.(*kernel.Error); ok {
		return errno(kerr)
	}
	return int64(abi.EIO)
}
