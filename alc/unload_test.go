package alc

import (
	"fmt"
	"slices"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/postmortem"
)

var variants = []UnloadVariant{VariantDirect, VariantRefcounted}

func TestBeginUnloadSwapsHandles(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			h := newHarness(t, Config{Variant: v})
			mc := h.newContext()
			lc := mc.lc

			weak := lc.Handle()
			tracker := lc.TrackerHandle()
			strong := h.unload(mc)

			if lc.State() != StateUnloading || !lc.IsUnloading() {
				t.Errorf("State() = %v, want unloading", lc.State())
			}
			if lc.Handle() != strong {
				t.Errorf("Handle() = %v, want %v", lc.Handle(), strong)
			}
			if k, ok := h.c.Kind(lc.Handle()); !ok || k != gchandle.Strong {
				t.Errorf("context handle kind = %v, %v, want strong", k, ok)
			}
			if h.c.IsValid(weak) {
				t.Error("weak handle must be released")
			}
			if h.c.IsValid(tracker) || !lc.TrackerHandle().IsZero() {
				t.Error("tracker handle must be released immediately")
			}
			if lc.Allocator().RefCount() != 1 {
				t.Errorf("allocator refs = %d, want 1", lc.Allocator().RefCount())
			}

			// The wrapper survives collection through the strong handle
			// until teardown completes.
			h.collect()
			if lc.State() != StateFreed {
				t.Fatalf("State() = %v, want freed", lc.State())
			}
			if h.c.IsValid(strong) {
				t.Error("strong context handle must be released at teardown")
			}
		})
	}
}

func TestBeginUnloadTwiceIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	mc := h.newContext()
	h.unload(mc)

	second := h.c.NewHandle(mc.wrapper, gchandle.Strong)
	expectInvariant(t, func() { mc.lc.BeginUnload(second) })
}

func TestBeginUnloadRequiresStrongHandle(t *testing.T) {
	h := newHarness(t, Config{})
	mc := h.newContext()
	weak := h.c.NewHandle(mc.wrapper, gchandle.Weak)
	expectInvariant(t, func() { mc.lc.BeginUnload(weak) })
	if mc.lc.State() != StateLive {
		t.Errorf("State() = %v, want live", mc.lc.State())
	}
}

func TestNoTeardownBeforeBeginUnload(t *testing.T) {
	h := newHarness(t, Config{})
	mc := h.newContext()
	h.c.Release(mc.user)

	for i := 0; i < 3; i++ {
		h.collect()
	}
	if mc.lc.State() != StateLive || h.freed.Load() != 0 {
		t.Errorf("state=%v freed=%d, want live and 0", mc.lc.State(), h.freed.Load())
	}
	if mc.lc.Allocator().FinalizeAttempts() != 0 {
		t.Error("tracker finalized while the context holds it")
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			h := newHarness(t, Config{Variant: v})
			log := &eventLog{}
			mc := h.newContext()
			a := newFake(log, "Plugin", false, 1)
			mc.lc.RecordLoaded(a)

			h.unload(mc)

			// Deliveries while the managed allocator is still reachable are
			// deferred.
			if mc.lc.finalizer() {
				t.Error("finalizer must ask to be re-armed while the allocator is alive")
			}
			if mc.lc.State() != StateUnloading {
				t.Fatalf("State() = %v, want unloading", mc.lc.State())
			}

			h.collect()
			for i := 0; i < 3; i++ {
				if !mc.lc.finalizer() {
					t.Error("late delivery must report done")
				}
				h.collect()
			}

			if h.freed.Load() != 1 {
				t.Errorf("teardowns = %d, want 1", h.freed.Load())
			}
			if a.finished.Load() != 1 || a.closed.Load() != 1 || a.rootsReleased.Load() != 1 {
				t.Errorf("close counts: roots=%d close=%d finish=%d",
					a.rootsReleased.Load(), a.closed.Load(), a.finished.Load())
			}
			if mc.lc.Allocator().RefCount() != 0 {
				t.Errorf("allocator refs = %d, want 0", mc.lc.Allocator().RefCount())
			}
		})
	}
}

func TestCloseSequenceOrder(t *testing.T) {
	h := newHarness(t, Config{})
	log := &eventLog{}
	mc := h.newContext()

	static := newFake(log, "Static", false, 2)
	dynamic := newFake(log, "Dynamic", true, 2)
	mc.lc.RecordLoaded(static)
	mc.lc.RecordLoaded(dynamic)

	if static.RefCount() != 3 || dynamic.RefCount() != 3 {
		t.Fatalf("refs = %d, %d, want 3", static.RefCount(), dynamic.RefCount())
	}

	h.unload(mc)
	h.collect()

	want := []string{
		"roots Static refs=2",
		"roots Dynamic refs=2",
		"close Dynamic refs=1",
		"close Static refs=1",
		"finish Static",
		"finish Dynamic",
	}
	got := log.snapshot()
	if !slices.Equal(got, want) {
		t.Errorf("events:\n got  %v\n want %v", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			h := newHarness(t, Config{Variant: v})
			log := &eventLog{}
			keep := h.newContext()
			kept := newFake(log, "Kept", false, 1)
			keep.lc.RecordLoaded(kept)

			mc := h.newContext()
			const n = 5
			loaded := make([]*fakeAssembly, n)
			for i := range loaded {
				loaded[i] = newFake(log, fmt.Sprintf("Asm%d", i), i%2 == 1, 1)
				mc.lc.RecordLoaded(loaded[i])
			}
			mm := mc.lc.MemoryManager()
			mm.Alloc(64)

			h.unload(mc)
			h.collect()

			if h.d.Contains(mc.lc) {
				t.Error("registry still contains the context")
			}
			index := h.d.Assemblies()
			for _, a := range loaded {
				for _, x := range index {
					if x == a {
						t.Errorf("domain index still holds %s", a.name.Name)
					}
				}
				if h.d.ContextOf(a) != nil {
					t.Errorf("ContextOf(%s) still set", a.name.Name)
				}
				if a.RefCount() != 0 {
					t.Errorf("%s refs = %d, want 0", a.name.Name, a.RefCount())
				}
			}
			if len(index) != 1 || h.d.ContextOf(kept) != keep.lc {
				t.Error("unrelated context's assembly was disturbed")
			}
			if !mm.IsFreed() {
				t.Error("memory manager not freed")
			}
			expectInvariant(t, func() { mm.Alloc(8) })
			if h.d.PendingAllocators() != 1 {
				t.Errorf("PendingAllocators() = %d, want 1", h.d.PendingAllocators())
			}
			if len(mc.lc.Assemblies()) != 0 {
				t.Error("assembly list not drained")
			}
			late := newFake(log, "Late", false, 1)
			if err := mc.lc.RecordLoaded(late); !isClosed(err) {
				t.Errorf("RecordLoaded after teardown = %v, want closed", err)
			}
			if late.RefCount() != 1 || h.d.ContextOf(late) != nil {
				t.Error("rejected assembly was recorded")
			}
		})
	}
}

func TestPinnedLoadDefersManagerFree(t *testing.T) {
	for _, v := range variants {
		t.Run(v.String(), func(t *testing.T) {
			h := newHarness(t, Config{Variant: v})
			mc := h.newContext()
			if err := mc.lc.AcquireLoad(); err != nil {
				t.Fatalf("AcquireLoad: %v", err)
			}
			mm := mc.lc.MemoryManager()
			r := mm.CodeReserve(16)

			h.unload(mc)
			h.collect()

			if mc.lc.State() != StateFreed {
				t.Fatalf("State() = %v, want %v", mc.lc.State(), StateFreed)
			}
			if mm.IsFreed() || mm.IsFreeing() {
				t.Fatal("memory manager freed under a pinned load")
			}
			if err := mc.lc.AcquireLoad(); !isClosed(err) {
				t.Errorf("AcquireLoad after teardown = %v, want closed", err)
			}

			copy(r.Buf, "emitted")
			image := mm.CodeCommit(r, 7)
			if string(image) != "emitted" {
				t.Errorf("CodeCommit = %q", image)
			}
			if err := mc.lc.RecordLoaded(newFake(&eventLog{}, "Emitted", true, 1)); !isClosed(err) {
				t.Errorf("RecordLoaded = %v, want closed", err)
			}

			mc.lc.ReleaseLoad()
			if !mm.IsFreed() {
				t.Error("memory manager not freed by the last ReleaseLoad")
			}
			if n := mc.lc.LoadsInProgress(); n != 0 {
				t.Errorf("LoadsInProgress() = %d, want 0", n)
			}
		})
	}
}

func TestReleaseLoadWithoutPinIsFatal(t *testing.T) {
	h := newHarness(t, Config{})
	mc := h.newContext()
	expectInvariant(t, mc.lc.ReleaseLoad)
}

func TestTeardownReleasesRoots(t *testing.T) {
	h := newHarness(t, Config{})
	before := len(h.c.Roots())

	mc := h.newContext()
	mc.lc.MemoryManager().NewVTable("Plugin.Widget", 4)
	if len(h.c.Roots()) != before+4 {
		t.Fatalf("roots = %d, want %d", len(h.c.Roots()), before+4)
	}

	h.unload(mc)
	h.collect()
	if len(h.c.Roots()) != before {
		t.Errorf("roots after teardown = %d, want %d", len(h.c.Roots()), before)
	}
}

func TestDebugUnloadRecordsPostmortem(t *testing.T) {
	store, err := postmortem.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer store.Close()

	h := newHarness(t, Config{DebugUnload: true, Recorder: store})
	log := &eventLog{}
	mc := h.newContext()
	mc.lc.RecordLoaded(newFake(log, "Plugin, Version=2.1.0.0", false, 1))
	mm := mc.lc.MemoryManager()
	mm.Alloc(100)
	mm.NewVTable("Plugin.Widget", 2)

	h.unload(mc)
	h.collect()

	rec, err := store.Get(mc.lc.ID().String())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Collectible || rec.Variant != "direct" {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Assemblies) != 1 || !strings.HasPrefix(rec.Assemblies[0], "Plugin, Version=2.1.0.0") {
		t.Errorf("Assemblies = %v", rec.Assemblies)
	}
	if rec.ArenaBytes < 100 || rec.VTables != 1 || rec.ReflectionTypes != 1 {
		t.Errorf("sizes = %+v", rec)
	}
	if rec.UnloadedAt.IsZero() {
		t.Error("UnloadedAt not set")
	}
}

func TestTeardownLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	defer SetLogger(zap.NewNop())

	h := newHarness(t, Config{})
	log := &eventLog{}
	mc := h.newContext()
	mc.lc.RecordLoaded(newFake(log, "Straggler", false, 2))

	h.unload(mc)
	h.collect()

	if n := logs.FilterMessage("load context freed").Len(); n != 1 {
		t.Errorf("freed log lines = %d, want 1", n)
	}
	removed := logs.FilterMessage("unloading context, removed assembly from domain index").All()
	if len(removed) != 1 || removed[0].ContextMap()["ref_count"] != int32(2) {
		t.Errorf("removed lines = %v", removed)
	}
	if n := logs.FilterMessage("assemblies still referenced at close, deferring to finish pass").FilterLevelExact(zapcore.WarnLevel).Len(); n != 1 {
		t.Errorf("straggler warnings = %d, want 1", n)
	}
}
