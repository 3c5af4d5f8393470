package gchandle

import "testing"

func TestHandleEncoding(t *testing.T) {
	tests := []struct {
		index uint32
		gen   uint32
		kind  Kind
	}{
		{0, 0, Weak},
		{0, 0, Strong},
		{41, 3, Weak},
		{1<<32 - 2, 1<<31 - 1, Strong},
	}

	for _, tt := range tests {
		h := makeHandle(tt.index, tt.gen, tt.kind)
		if h.IsZero() {
			t.Fatalf("makeHandle(%d, %d, %v) is zero", tt.index, tt.gen, tt.kind)
		}
		if h.Kind() != tt.kind {
			t.Errorf("Kind() = %v, want %v", h.Kind(), tt.kind)
		}
		idx, ok := h.index()
		if !ok || idx != tt.index {
			t.Errorf("index() = %d, %v, want %d", idx, ok, tt.index)
		}
		if h.gen() != tt.gen {
			t.Errorf("gen() = %d, want %d", h.gen(), tt.gen)
		}
	}

	var zero Handle
	if zero.IsStrong() || zero.IsWeak() {
		t.Error("zero handle has no kind")
	}
	if _, ok := zero.index(); ok {
		t.Error("zero handle has no index")
	}
}

func TestSlotReplace(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	obj := New("Wrapper", nil)
	var s Slot
	weak := c.NewHandle(obj, Weak)
	s.Store(weak)

	strong := c.NewHandle(obj, Strong)
	old := s.Replace(c, strong)

	if old != weak {
		t.Errorf("Replace returned %v, want %v", old, weak)
	}
	if c.IsValid(weak) {
		t.Error("displaced handle must be released")
	}
	if got := s.Load(); got != strong {
		t.Errorf("Load() = %v, want %v", got, strong)
	}

	s.Release(c)
	if c.IsValid(strong) {
		t.Error("Release must release the held handle")
	}
	if !s.Load().IsZero() {
		t.Error("slot must be empty after Release")
	}
	s.Release(c)
}

func TestUpgrade(t *testing.T) {
	c := NewLocal()
	defer c.Close()

	obj := New("Wrapper", nil)
	weak := c.NewHandle(obj, Weak)

	strong, ok := Upgrade(c, weak)
	if !ok || !strong.IsStrong() {
		t.Fatalf("Upgrade = %v, %v", strong, ok)
	}
	if c.Target(strong) != obj {
		t.Error("upgraded handle has wrong target")
	}
	if !c.IsValid(weak) {
		t.Error("Upgrade must not release the weak handle")
	}

	c.Release(strong)
	c.Collect()
	if _, ok := Upgrade(c, weak); ok {
		t.Error("Upgrade of a cleared weak handle must fail")
	}
}
