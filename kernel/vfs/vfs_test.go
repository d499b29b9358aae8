package vfs

import (
	"bytes"
	"io"
	"testing"
)

type testFile struct {
	*bytes.Reader
	closed bool
}

func (f *testFile) Write(_ []byte) (int, error) { return 0, ErrNotSupported }
func (f *testFile) Close() error                { f.closed = true; return nil }

func TestFileTableStandardDescriptors(t *testing.T) {
	var buf bytes.Buffer
	ft := NewFileTable(&buf)

	if f, err := ft.Get(Stdin); err != nil {
		t.Fatalf("unexpected error: %v", err)
	} else if _, ok := f.(Keyboard); !ok {
		t.Fatalf("expected stdin to be the keyboard; got %T", f)
	}

	out, _ := ft.Get(Stdout)
	out.Write([]byte("hi"))
	if buf.String() != "hi" {
		t.Fatalf("expected stdout to write to the console; got %q", buf.String())
	}

	if _, err := out.Seek(0, io.SeekStart); err != ErrNotSupported {
		t.Fatalf("expected ErrNotSupported; got %v", err)
	}

	// Stdout and stderr share the console; closing one keeps the other.
	if err := ft.Close(Stdout); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ft.Get(Stderr); err != nil {
		t.Fatalf("expected stderr to remain open; got %v", err)
	}
}

func TestFileTableInstall(t *testing.T) {
	ft := NewFileTable(io.Discard)

	f := &testFile{Reader: bytes.NewReader([]byte("data"))}
	fd, err := ft.Install(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fd != 3 {
		t.Fatalf("expected first free descriptor to be 3; got %d", fd)
	}

	for i := fd + 1; i < MaxFiles; i++ {
		if _, err := ft.Install(&testFile{}); err != nil {
			t.Fatalf("unexpected error installing descriptor %d: %v", i, err)
		}
	}

	if _, err := ft.Install(&testFile{}); err != ErrTooManyFiles {
		t.Fatalf("expected ErrTooManyFiles; got %v", err)
	}

	if err := ft.Close(fd); err != nil || !f.closed {
		t.Fatalf("expected Close to close the file; err=%v closed=%t", err, f.closed)
	}
	if _, err := ft.Get(fd); err != ErrBadFD {
		t.Fatalf("expected ErrBadFD after close; got %v", err)
	}

	for _, bad := range []int{-1, MaxFiles} {
		if _, err := ft.Get(bad); err != ErrBadFD {
			t.Errorf("expected ErrBadFD for descriptor %d; got %v", bad, err)
		}
	}

	ft.CloseAll()
	if _, err := ft.Get(Stdin); err != ErrBadFD {
		t.Fatal("expected CloseAll to close every descriptor")
	}
}

func TestMemFS(t *testing.T) {
	fs := MemFS{"/bin/init": []byte("\x7fELF-image")}

	if _, err := fs.Open("/bin/missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound; got %v", err)
	}

	f, err := fs.Open("/bin/init")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if off, _ := f.Seek(4, io.SeekStart); off != 4 {
		t.Fatalf("expected offset 4; got %d", off)
	}
	data, _ := io.ReadAll(f)
	if string(data) != "-image" {
		t.Fatalf("expected to read the rest of the image; got %q", data)
	}
	if _, err := f.Write([]byte("x")); err != ErrNotSupported {
		t.Fatalf("expected the image to be read-only; got %v", err)
	}
}
