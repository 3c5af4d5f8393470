package alc

import (
	"slices"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/internal/lockorder"
	"github.com/wippyai/loadctx/memmgr"
)

// Domain owns the load contexts of one execution environment.
type Domain struct {
	cfg       Config
	collector gchandle.Collector

	// Guarded by contextsMu.
	contextsMu  *lockorder.Mutex
	contexts    []*LoadContext
	defaultCtx  *LoadContext
	collectible []*LoaderAllocator
	generic     map[string]*memmgr.Manager

	// Guarded by assembliesMu.
	assembliesMu *lockorder.Mutex
	assemblies   []loadctx.Assembly
	owners       map[loadctx.Assembly]*LoadContext
}

// NewDomain creates a domain and its default load context.
func NewDomain(c gchandle.Collector, cfg *Config) *Domain {
	d := &Domain{
		cfg:          cfg.orDefault(),
		collector:    c,
		contextsMu:   lockorder.NewMutex(lockorder.ContextList),
		generic:      make(map[string]*memmgr.Manager),
		assembliesMu: lockorder.NewMutex(lockorder.AssemblyIndex),
		owners:       make(map[loadctx.Assembly]*LoadContext),
	}
	d.CreateDefault()
	return d
}

// Collector returns the collector the domain was created with.
func (d *Domain) Collector() gchandle.Collector { return d.collector }

// Variant returns the configured unload variant.
func (d *Domain) Variant() UnloadVariant { return d.cfg.Variant }

// CreateDefault creates the default context if it does not exist yet.
func (d *Domain) CreateDefault() *LoadContext {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	if d.defaultCtx != nil {
		return d.defaultCtx
	}
	lc := d.createLocked(false)
	d.defaultCtx = lc
	return lc
}

// Default returns the default context.
func (d *Domain) Default() *LoadContext {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	return d.defaultCtx
}

// BindDefaultHandle records the strong handle to the default context's
// managed wrapper and points the wrapper's payload at the default context.
// Only the first bind takes effect.
func (d *Domain) BindDefaultHandle(h gchandle.Handle) {
	errors.Assert(errors.PhaseInit, h.IsStrong(), "default context handle must be strong, got %s", h)
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	if d.defaultCtx.handle.CompareAndSwap(0, h) {
		d.bindPayloadLocked(h, d.defaultCtx)
	}
}

// CreateIndividual creates an independently unloadable context. h is the
// handle to the caller's managed wrapper: weak for collectible contexts,
// strong otherwise. The wrapper's payload is set to the new context before
// the context becomes visible.
func (d *Domain) CreateIndividual(h gchandle.Handle, collectible bool) (*LoadContext, error) {
	if collectible && !h.IsWeak() {
		return nil, errors.InvalidInput(errors.PhaseInit, "collectible context requires a weak handle")
	}
	if !collectible && !h.IsStrong() {
		return nil, errors.InvalidInput(errors.PhaseInit, "non-collectible context requires a strong handle")
	}

	d.contextsMu.Lock()
	lc := d.createLocked(collectible)
	if collectible {
		lc.armTracker()
	}
	lc.handle.Store(h)
	d.bindPayloadLocked(h, lc)
	d.contextsMu.Unlock()

	Logger().Debug("load context created",
		zap.Stringer("context", lc.id),
		zap.Bool("collectible", collectible))
	return lc, nil
}

func (d *Domain) createLocked(collectible bool) *LoadContext {
	d.contextsMu.AssertHeld()
	lc := newLoadContext(d, collectible)
	d.contexts = append(d.contexts, lc)
	if collectible {
		lc.allocator.AddRef()
		d.collectible = append(d.collectible, lc.allocator)
	}
	return lc
}

// Contexts returns a snapshot of the live contexts.
func (d *Domain) Contexts() []*LoadContext {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	return slices.Clone(d.contexts)
}

// Contains reports whether lc is registered in the domain.
func (d *Domain) Contains(lc *LoadContext) bool {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	return slices.Contains(d.contexts, lc)
}

// PendingAllocators returns the number of collectible allocators that have
// not been freed yet.
func (d *Domain) PendingAllocators() int {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	return len(d.collectible)
}

// FromHandle returns the context whose managed wrapper h refers to.
func (d *Domain) FromHandle(h gchandle.Handle) *LoadContext {
	obj := d.collector.Target(h)
	if obj == nil {
		return nil
	}
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	lc, _ := obj.Value.(*LoadContext)
	return lc
}

// bindPayloadLocked points the managed wrapper behind h at lc. Payloads are
// written and read under the context list lock.
func (d *Domain) bindPayloadLocked(h gchandle.Handle, lc *LoadContext) {
	d.contextsMu.AssertHeld()
	if obj := d.collector.Target(h); obj != nil {
		obj.Value = lc
	}
}

// Assemblies returns a snapshot of the domain assembly index.
func (d *Domain) Assemblies() []loadctx.Assembly {
	d.assembliesMu.Lock()
	defer d.assembliesMu.Unlock()
	return slices.Clone(d.assemblies)
}

// ContextOf returns the context an assembly was recorded into.
func (d *Domain) ContextOf(a loadctx.Assembly) *LoadContext {
	d.assembliesMu.Lock()
	defer d.assembliesMu.Unlock()
	return d.owners[a]
}

// collectAllocators frees every collectible allocator whose count reached
// zero.
func (d *Domain) collectAllocators() {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()

	kept := d.collectible[:0]
	for _, la := range d.collectible {
		if la.RefCount() == 0 {
			la.lc.teardown()
			continue
		}
		kept = append(kept, la)
	}
	clear(d.collectible[len(kept):])
	d.collectible = kept
}

// finalizeDirect tears lc down outside of any allocator sweep.
func (d *Domain) finalizeDirect(lc *LoadContext) {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()

	lc.teardown()
	if i := slices.Index(d.collectible, lc.allocator); i >= 0 {
		d.collectible = slices.Delete(d.collectible, i, i+1)
	}
}

func (d *Domain) removeLocked(lc *LoadContext) {
	d.contextsMu.AssertHeld()
	if i := slices.Index(d.contexts, lc); i >= 0 {
		d.contexts = slices.Delete(d.contexts, i, i+1)
	}
}
