package alc

import (
	stderrors "errors"
	"testing"

	"github.com/wippyai/loadctx/errors"
)

func TestGenericManagerRequiresRefcounted(t *testing.T) {
	h := newHarness(t, Config{Variant: VariantDirect})
	lc := h.newContext().lc

	_, err := h.d.GenericManager(lc)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseInit, Kind: errors.KindUnsupported}) {
		t.Errorf("GenericManager in direct variant = %v, want unsupported", err)
	}
}

func TestGenericManagerSharedByTwoContexts(t *testing.T) {
	h := newHarness(t, Config{Variant: VariantRefcounted})
	one := h.newContext()
	two := h.newContext()

	m, err := h.d.GenericManager(one.lc, two.lc)
	if err != nil {
		t.Fatalf("GenericManager: %v", err)
	}
	again, err := h.d.GenericManager(two.lc, one.lc)
	if err != nil || again != m {
		t.Fatalf("owner set order must not matter: %v %v", again, err)
	}
	if m.RefCount() != 2 || !m.IsGeneric() || !m.IsCollectible() {
		t.Fatalf("refs=%d generic=%v collectible=%v", m.RefCount(), m.IsGeneric(), m.IsCollectible())
	}
	if got := one.lc.GenericManagers(); len(got) != 1 || got[0] != m {
		t.Errorf("GenericManagers() = %v", got)
	}
	m.Alloc(32)

	h.unload(one)
	h.collect()
	if one.lc.State() != StateFreed {
		t.Fatalf("first context state = %v", one.lc.State())
	}
	if m.IsFreed() || m.RefCount() != 1 {
		t.Errorf("after first unload: freed=%v refs=%d, want live with 1", m.IsFreed(), m.RefCount())
	}
	if h.d.GenericManagers() != 1 {
		t.Errorf("GenericManagers() = %d, want 1", h.d.GenericManagers())
	}

	h.unload(two)
	h.collect()
	if !m.IsFreed() || m.RefCount() != 0 {
		t.Errorf("after second unload: freed=%v refs=%d", m.IsFreed(), m.RefCount())
	}
	if h.d.GenericManagers() != 0 {
		t.Errorf("GenericManagers() = %d, want 0", h.d.GenericManagers())
	}
	expectInvariant(t, func() { m.Alloc(8) })
}

func TestGenericManagerValidation(t *testing.T) {
	h := newHarness(t, Config{Variant: VariantRefcounted})

	if _, err := h.d.GenericManager(); err == nil {
		t.Error("empty owner set must fail")
	}

	other := newHarness(t, Config{Variant: VariantRefcounted})
	foreign := other.newContext().lc
	if _, err := h.d.GenericManager(foreign); err == nil {
		t.Error("foreign context must fail")
	}

	mc := h.newContext()
	h.unload(mc)
	if _, err := h.d.GenericManager(mc.lc); err == nil {
		t.Error("unloading context must fail")
	}

	lc := h.newContext().lc
	m, err := h.d.GenericManager(lc, lc)
	if err != nil {
		t.Fatalf("duplicate owner: %v", err)
	}
	if m.RefCount() != 1 || len(m.Owners()) != 1 {
		t.Errorf("duplicates must collapse: refs=%d owners=%d", m.RefCount(), len(m.Owners()))
	}
}

func TestRefcountedAllocatorSweep(t *testing.T) {
	h := newHarness(t, Config{Variant: VariantRefcounted})
	a := h.newContext()
	b := h.newContext()

	if h.d.PendingAllocators() != 2 {
		t.Fatalf("PendingAllocators() = %d, want 2", h.d.PendingAllocators())
	}

	h.unload(a)
	h.unload(b)
	if a.lc.Allocator().RefCount() != 1 || b.lc.Allocator().RefCount() != 1 {
		t.Errorf("refs after begin unload = %d, %d", a.lc.Allocator().RefCount(), b.lc.Allocator().RefCount())
	}

	h.collect()
	if h.d.PendingAllocators() != 0 {
		t.Errorf("PendingAllocators() = %d, want 0", h.d.PendingAllocators())
	}
	if a.lc.State() != StateFreed || b.lc.State() != StateFreed {
		t.Errorf("states = %v, %v", a.lc.State(), b.lc.State())
	}
	if h.freed.Load() != 2 {
		t.Errorf("teardowns = %d, want 2", h.freed.Load())
	}
}

func TestAllocatorRefcountFloor(t *testing.T) {
	h := newHarness(t, Config{Variant: VariantRefcounted})
	la := h.newContext().lc.Allocator()

	la.Decref()
	la.Decref()
	if la.RefCount() != 0 {
		t.Fatalf("RefCount() = %d", la.RefCount())
	}
	expectInvariant(t, func() { la.Decref() })
	expectInvariant(t, func() { la.AddRef() })
	if la.RefCount() != 0 {
		t.Errorf("RefCount() = %d after rejected ops, want 0", la.RefCount())
	}
}
