package arena

import (
	"testing"
	"unsafe"

	"github.com/wippyai/loadctx/errors"
)

func expectInvariant(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if r := recover(); !errors.IsInvariant(r) {
			t.Fatalf("recovered %v, want invariant failure", r)
		}
	}()
	fn()
	t.Fatal("expected panic")
}

func TestAllocBytes(t *testing.T) {
	a := New(64)

	b := a.AllocBytes(10)
	if len(b) != 10 || cap(b) != 10 {
		t.Fatalf("len/cap = %d/%d, want 10/10", len(b), cap(b))
	}
	for i := range b {
		b[i] = byte(i)
	}

	c := a.AllocBytes(4)
	for i := range c {
		c[i] = 0xff
	}
	for i := range b {
		if b[i] != byte(i) {
			t.Fatalf("allocation %d overwritten", i)
		}
	}

	if a.AllocBytes(0) != nil {
		t.Error("zero-sized allocation should be nil")
	}
	if got := a.Stats().Allocated; got != 14 {
		t.Errorf("Allocated = %d, want 14", got)
	}
}

func TestAllocGrows(t *testing.T) {
	a := New(32)
	a.AllocBytes(24)
	a.AllocBytes(24)
	if got := a.Stats().Chunks; got != 2 {
		t.Errorf("Chunks = %d, want 2", got)
	}

	big := a.AllocBytes(100)
	if len(big) != 100 {
		t.Fatalf("len = %d, want 100", len(big))
	}
	s := a.Stats()
	if s.Chunks != 3 || s.Reserved != 32+32+100 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestAllocZeroed(t *testing.T) {
	a := New(0)
	b := a.AllocZeroed(16)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, v)
		}
	}
}

func TestInvalidate(t *testing.T) {
	a := New(64)
	b := a.AllocZeroed(8)
	a.Invalidate()

	if !a.Invalidated() {
		t.Error("Invalidated() = false")
	}
	for i, v := range b {
		if v != Poison {
			t.Fatalf("byte %d = %#x, want poison", i, v)
		}
	}
	if a.Stats().Chunks != 1 {
		t.Error("invalidate must keep chunks")
	}

	expectInvariant(t, func() { a.AllocBytes(1) })
}

func TestRelease(t *testing.T) {
	a := New(64)
	a.AllocBytes(8)
	a.Release()

	if !a.Released() {
		t.Error("Released() = false")
	}
	if s := a.Stats(); s.Chunks != 0 || s.Reserved != 0 {
		t.Errorf("Stats after release = %+v", s)
	}
	expectInvariant(t, func() { a.AllocBytes(1) })
}

func TestAlignPtr(t *testing.T) {
	align := unsafe.Sizeof(uintptr(0))
	for _, off := range []uintptr{0, 1, 7, 8, 9, 15, 16} {
		got := alignPtr(off)
		if got < off || got%align != 0 || got-off >= align {
			t.Errorf("alignPtr(%d) = %d", off, got)
		}
	}
}
