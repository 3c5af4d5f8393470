package gchandle

import (
	"sync/atomic"
	"testing"

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

func TestLocal_HandleLifecycle(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	obj := New("Thing", 7)
	h := c.NewHandle(obj, Strong)
	if h.IsZero() {
		t.Fatal("NewHandle returned zero")
	}
	if c.Target(h) != obj {
		t.Error("Target returned wrong object")
	}
	if k, ok := c.Kind(h); !ok || k != Strong {
		t.Errorf("Kind = %v, %v", k, ok)
	}
	if c.Handles() != 1 {
		t.Errorf("Handles() = %d, want 1", c.Handles())
	}

	c.Release(h)
	if c.IsValid(h) || c.Target(h) != nil {
		t.Error("released handle still resolves")
	}
	expectInvariant(t, func() { c.Release(h) })

	// Slot reuse bumps the generation, so the stale handle stays dead.
	h2 := c.NewHandle(obj, Strong)
	if c.IsValid(h) {
		t.Error("stale handle revived by slot reuse")
	}
	i1, _ := h.index()
	i2, _ := h2.index()
	if i1 != i2 {
		t.Errorf("slot not reused: %d vs %d", i1, i2)
	}
}

func TestLocal_WeakCleared(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	kept := New("Kept", nil)
	dropped := New("Dropped", nil)
	strong := c.NewHandle(kept, Strong)
	wKept := c.NewHandle(kept, Weak)
	wDropped := c.NewHandle(dropped, Weak)

	c.Collect()

	if c.Target(wKept) != kept {
		t.Error("weak handle to strongly held object was cleared")
	}
	if c.Target(wDropped) != nil {
		t.Error("weak handle to unreachable object was not cleared")
	}
	if !c.IsValid(wDropped) {
		t.Error("cleared weak handle must remain valid until released")
	}

	c.Release(strong)
	c.Collect()
	if c.Target(wKept) != nil {
		t.Error("weak handle not cleared after strong release")
	}
}

func TestLocal_TracesRefsAndRoots(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	parent := New("Parent", nil)
	child := New("Child", nil)
	parent.Ref(child)
	rooted := New("Rooted", nil)

	strong := c.NewHandle(parent, Strong)
	wChild := c.NewHandle(child, Weak)
	wRooted := c.NewHandle(rooted, Weak)

	id := c.RegisterRoot("table", func(mark func(*Object)) { mark(rooted) })
	if names := c.Roots(); len(names) != 1 || names[0] != "table" {
		t.Errorf("Roots() = %v", names)
	}

	c.Collect()
	if c.Target(wChild) != child {
		t.Error("object referenced from a strong handle's target was cleared")
	}
	if c.Target(wRooted) != rooted {
		t.Error("rooted object was cleared")
	}

	parent.Unref(child)
	c.UnregisterRoot(id)
	c.Collect()
	if c.Target(wChild) != nil || c.Target(wRooted) != nil {
		t.Error("unreferenced objects survived")
	}

	c.Release(strong)
	expectInvariant(t, func() { c.UnregisterRoot(id) })
}

func TestLocal_Finalizer(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	obj := New("Tracker", nil)
	h := c.NewHandle(obj, Strong)

	var runs atomic.Int32
	c.SetFinalizer(obj, func() bool {
		runs.Add(1)
		return true
	})

	c.Collect()
	c.WaitFinalizers()
	if runs.Load() != 0 {
		t.Fatal("finalizer ran for a reachable object")
	}

	c.Release(h)
	c.Collect()
	c.WaitFinalizers()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}

	c.Collect()
	c.WaitFinalizers()
	if runs.Load() != 1 {
		t.Errorf("finalizer ran again: %d", runs.Load())
	}
}

func TestLocal_FinalizerRearm(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	obj := New("Tracker", nil)
	var runs atomic.Int32
	c.SetFinalizer(obj, func() bool {
		return runs.Add(1) >= 3
	})

	for i := 0; i < 5; i++ {
		c.Collect()
		c.WaitFinalizers()
	}
	if runs.Load() != 3 {
		t.Errorf("runs = %d, want 3", runs.Load())
	}
	if c.Cycles() != 5 {
		t.Errorf("Cycles() = %d, want 5", c.Cycles())
	}
}

func TestLocal_FinalizerPanic(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	c.SetFinalizer(New("Bad", nil), func() bool { panic("boom") })
	c.Collect()
	c.WaitFinalizers()

	if c.FinalizerPanics() != 1 {
		t.Errorf("FinalizerPanics() = %d, want 1", c.FinalizerPanics())
	}
}

func TestLocal_Close(t *testing.T) {
	c := NewLocal()
	var ran atomic.Bool
	c.SetFinalizer(New("T", nil), func() bool { ran.Store(true); return true })
	c.Collect()

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !ran.Load() {
		t.Error("Close must drain queued finalizers")
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	c.Collect()
}
