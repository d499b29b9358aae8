package abi

import "testing"

func TestNumberString(t *testing.T) {
	specs := []struct {
		num Number
		exp string
	}{
		{SysPrint, "print"},
		{SysWait, "wait"},
		{SysABIVersion, "abi_version"},
		{NumSyscalls, "sys_13"},
		{Number(0x1000), "sys_4096"},
	}

	for specIndex, spec := range specs {
		if got := spec.num.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestErrno(t *testing.T) {
	if got := EFAULT.Error(); got != "bad address" {
		t.Errorf("unexpected EFAULT text %q", got)
	}
	if got := Errno(-99).Error(); got != "errno -99" {
		t.Errorf("unexpected text for unknown errno %q", got)
	}

	var err error = ENOSYS
	if err.Error() != "function not implemented" {
		t.Error("expected Errno to implement error")
	}
}

func TestCompatible(t *testing.T) {
	specs := []struct {
		constraint string
		exp        bool
		expErr     bool
	}{
		{"^1.0", true, false},
		{">= 1.1, < 2", true, false},
		{"~1.0.0", false, false},
		{"^2", false, false},
		{"not a constraint", false, true},
	}

	for specIndex, spec := range specs {
		got, err := Compatible(spec.constraint)
		if (err != nil) != spec.expErr {
			t.Errorf("[spec %d] unexpected error state: %v", specIndex, err)
			continue
		}
		if got != spec.exp {
			t.Errorf("[spec %d] expected Compatible(%q) to return %t; got %t", specIndex, spec.constraint, spec.exp, got)
		}
	}
}

func TestPackedVersion(t *testing.T) {
	if exp, got := int64(1)<<32|int64(1)<<16, PackedVersion(); got != exp {
		t.Fatalf("expected packed version %#x; got %#x", exp, got)
	}
}
