package alc

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

func TestDefaultContext(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.d

	def := d.Default()
	if def == nil {
		t.Fatal("NewDomain must create the default context")
	}
	if d.CreateDefault() != def {
		t.Error("CreateDefault must be idempotent")
	}
	if !def.IsDefault() || def.IsCollectible() {
		t.Errorf("default: IsDefault=%v collectible=%v", def.IsDefault(), def.IsCollectible())
	}
	if len(d.Contexts()) != 1 {
		t.Errorf("Contexts() = %d, want 1", len(d.Contexts()))
	}
	if d.PendingAllocators() != 0 {
		t.Error("default context must not register a collectible allocator")
	}
}

func TestBindDefaultHandle(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.d

	first := h.c.NewHandle(gchandle.New("DefaultALC", d.Default()), gchandle.Strong)
	second := h.c.NewHandle(gchandle.New("DefaultALC", d.Default()), gchandle.Strong)

	d.BindDefaultHandle(first)
	d.BindDefaultHandle(second)
	if got := d.Default().Handle(); got != first {
		t.Errorf("Handle() = %v, want first bind %v", got, first)
	}
	if d.FromHandle(first) != d.Default() {
		t.Error("FromHandle(default handle) must return the default context")
	}

	weak := h.c.NewHandle(gchandle.New("DefaultALC", nil), gchandle.Weak)
	expectInvariant(t, func() { d.BindDefaultHandle(weak) })
}

func TestDefaultCannotUnload(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.d
	strong := h.c.NewHandle(gchandle.New("DefaultALC", d.Default()), gchandle.Strong)
	d.BindDefaultHandle(strong)

	other := h.c.NewHandle(gchandle.New("DefaultALC", nil), gchandle.Strong)
	expectInvariant(t, func() { d.Default().BeginUnload(other) })

	if d.Default().State() != StateLive {
		t.Errorf("State() = %v, want live", d.Default().State())
	}
}

func TestCreateIndividual(t *testing.T) {
	h := newHarness(t, Config{})
	d := h.d

	mc := h.newContext()
	lc := mc.lc

	if !lc.IsCollectible() || lc.IsDefault() || lc.State() != StateLive {
		t.Errorf("collectible=%v default=%v state=%v", lc.IsCollectible(), lc.IsDefault(), lc.State())
	}
	if k, ok := h.c.Kind(lc.Handle()); !ok || k != gchandle.Weak {
		t.Errorf("context handle kind = %v, %v, want weak", k, ok)
	}
	if k, ok := h.c.Kind(lc.TrackerHandle()); !ok || k != gchandle.Strong {
		t.Errorf("tracker handle kind = %v, %v, want strong", k, ok)
	}
	if !d.Contains(lc) || len(d.Contexts()) != 2 {
		t.Error("context not registered")
	}
	if d.FromHandle(lc.Handle()) != lc {
		t.Error("FromHandle mismatch")
	}
	if lc.Allocator().RefCount() != 2 {
		t.Errorf("allocator refs = %d, want 2", lc.Allocator().RefCount())
	}
	if d.PendingAllocators() != 1 {
		t.Errorf("PendingAllocators() = %d, want 1", d.PendingAllocators())
	}

	a := h.newContext().lc
	if a.ID() == lc.ID() || a == lc {
		t.Error("individual contexts must be distinct")
	}
}

func TestCreateIndividualRejectsWrongHandle(t *testing.T) {
	h := newHarness(t, Config{})
	obj := gchandle.New("ALC", nil)

	_, err := h.d.CreateIndividual(h.c.NewHandle(obj, gchandle.Strong), true)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseInit, Kind: errors.KindInvalidInput}) {
		t.Errorf("collectible with strong handle: %v", err)
	}

	_, err = h.d.CreateIndividual(h.c.NewHandle(obj, gchandle.Weak), false)
	if err == nil {
		t.Error("non-collectible with weak handle must fail")
	}

	lc, err := h.d.CreateIndividual(h.c.NewHandle(obj, gchandle.Strong), false)
	if err != nil {
		t.Fatalf("non-collectible: %v", err)
	}
	if lc.IsCollectible() || !lc.TrackerHandle().IsZero() {
		t.Error("non-collectible context must not have a tracker")
	}
	expectInvariant(t, func() { lc.BeginUnload(h.c.NewHandle(obj, gchandle.Strong)) })
}

func TestRecordLoaded(t *testing.T) {
	h := newHarness(t, Config{})
	log := &eventLog{}
	lc := h.newContext().lc

	a := newFake(log, "Plugin, Version=1.0.0.0", false, 1)
	b := newFake(log, "Plugin.Resources, Culture=de", false, 1)
	lc.RecordLoaded(a)
	lc.RecordLoaded(b)

	if a.RefCount() != 2 || b.RefCount() != 2 {
		t.Errorf("refs = %d, %d, want 2 (index + context)", a.RefCount(), b.RefCount())
	}
	got := lc.Assemblies()
	if len(got) != 2 || got[0] != a || got[1] != b {
		t.Errorf("Assemblies() = %v", got)
	}
	if len(h.d.Assemblies()) != 2 {
		t.Errorf("domain index = %d, want 2", len(h.d.Assemblies()))
	}
	if h.d.ContextOf(a) != lc {
		t.Error("ContextOf mismatch")
	}
}

func TestNativeScopes(t *testing.T) {
	h := newHarness(t, Config{})
	lc := h.newContext().lc

	if _, ok := lc.NativeScope("libz"); ok {
		t.Fatal("empty cache hit")
	}

	opens := 0
	open := func(name string) (NativeLibrary, error) {
		opens++
		return "handle:" + name, nil
	}
	lib, err := lc.OpenNativeScope("libz", open, nil)
	if err != nil || lib != "handle:libz" {
		t.Fatalf("OpenNativeScope = %v, %v", lib, err)
	}
	if lib, _ := lc.OpenNativeScope("libz", open, nil); lib != "handle:libz" || opens != 1 {
		t.Errorf("cached open: lib=%v opens=%d", lib, opens)
	}

	if got := lc.AddNativeScope("libz", "other"); got != "handle:libz" {
		t.Errorf("AddNativeScope kept %v, want first insert", got)
	}

	var closed []NativeLibrary
	lc.AddNativeScope("libm", "winner")
	got, _ := lc.OpenNativeScope("libm", func(string) (NativeLibrary, error) { return "loser", nil },
		func(l NativeLibrary) { closed = append(closed, l) })
	if got != "winner" || len(closed) != 0 {
		t.Errorf("got=%v closed=%v", got, closed)
	}

	if lc.NativeScopes() != 2 {
		t.Errorf("NativeScopes() = %d, want 2", lc.NativeScopes())
	}

	failing := func(string) (NativeLibrary, error) {
		return nil, errors.NotFound(errors.PhaseLoad, "native library", "libmissing")
	}
	if _, err := lc.OpenNativeScope("libmissing", failing, nil); err == nil {
		t.Error("open error must propagate")
	}
}

func TestParseUnloadVariant(t *testing.T) {
	tests := []struct {
		in      string
		want    UnloadVariant
		wantErr bool
	}{
		{"direct", VariantDirect, false},
		{"", VariantDirect, false},
		{"refcounted", VariantRefcounted, false},
		{"lazy", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUnloadVariant(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUnloadVariant(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseUnloadVariant(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() != map[UnloadVariant]string{VariantDirect: "direct", VariantRefcounted: "refcounted"}[got] {
			t.Errorf("String() = %q", got.String())
		}
	}
}

func TestPayloadBoundBeforeVisible(t *testing.T) {
	h := newHarness(t, Config{})
	def := h.d.Default()

	stop := make(chan struct{})
	mismatches := make(chan string, 1)
	go func() {
		defer close(mismatches)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, lc := range h.d.Contexts() {
				if lc == def {
					continue
				}
				if got := h.d.FromHandle(lc.Handle()); got != lc {
					mismatches <- fmt.Sprintf("FromHandle(%s) = %v", lc.ID(), got)
					return
				}
			}
		}
	}()

	for range 50 {
		mc := h.newContext()
		if mc.wrapper.Value != mc.lc {
			t.Fatal("wrapper payload not bound by CreateIndividual")
		}
	}
	close(stop)
	if msg, ok := <-mismatches; ok {
		t.Error(msg)
	}
}
