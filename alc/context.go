package alc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/internal/lockorder"
	"github.com/wippyai/loadctx/memmgr"
)

// State is a load context's position in the unload state machine.
type State int32

const (
	StateLive State = iota
	StateUnloading
	StateFinalizing
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateUnloading:
		return "unloading"
	case StateFinalizing:
		return "finalizing"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Managed class names of the objects a collectible context creates.
const (
	ClassLoaderAllocator      = "System.Reflection.LoaderAllocator"
	ClassLoaderAllocatorScout = "System.Reflection.LoaderAllocatorScout"
)

// LoadContext is an isolation unit for a group of assemblies that are
// unloaded together. Contexts are compared by identity.
type LoadContext struct {
	id          uuid.UUID
	domain      *Domain
	collectible bool
	state       atomic.Int32

	// handle refers to the managed wrapper: weak while a collectible context
	// is live, strong otherwise.
	handle gchandle.Slot

	// tracker is the strong handle keeping the managed allocator alive until
	// BeginUnload.
	tracker   gchandle.Slot
	allocator *LoaderAllocator
	finalizer func() bool

	manager *memmgr.Manager

	managersMu *lockorder.Mutex
	generic    []*memmgr.Manager

	assembliesMu *lockorder.Mutex
	assemblies   []loadctx.Assembly
	drained      bool

	// loadsMu is a leaf lock guarding the in-progress load count. Teardown
	// defers freeing the memory manager to the last pinned load.
	loadsMu     sync.Mutex
	loads       int
	loadsClosed bool
	freePending bool

	scopes nativeScopes
}

func newLoadContext(d *Domain, collectible bool) *LoadContext {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	lc := &LoadContext{
		id:           id,
		domain:       d,
		collectible:  collectible,
		managersMu:   lockorder.NewMutex(lockorder.ContextManagers),
		assembliesMu: lockorder.NewMutex(lockorder.AssemblyList),
		scopes:       newNativeScopes(),
	}
	lc.allocator = newLoaderAllocator(lc)
	lc.manager = memmgr.NewSingleton(d.collector, lc, collectible, d.cfg.Memory)
	return lc
}

// ID returns the context's identifier.
func (lc *LoadContext) ID() uuid.UUID { return lc.id }

// Domain returns the owning domain.
func (lc *LoadContext) Domain() *Domain { return lc.domain }

// IsCollectible reports whether the context can be unloaded.
func (lc *LoadContext) IsCollectible() bool { return lc.collectible }

// IsDefault reports whether lc is its domain's default context.
func (lc *LoadContext) IsDefault() bool { return lc.domain.Default() == lc }

// State returns the current unload state.
func (lc *LoadContext) State() State { return State(lc.state.Load()) }

// IsUnloading reports whether BeginUnload has been called.
func (lc *LoadContext) IsUnloading() bool { return lc.State() >= StateUnloading }

// Handle returns the handle to the managed wrapper.
func (lc *LoadContext) Handle() gchandle.Handle { return lc.handle.Load() }

// TrackerHandle returns the strong handle to the managed allocator, or zero
// once BeginUnload has released it.
func (lc *LoadContext) TrackerHandle() gchandle.Handle { return lc.tracker.Load() }

// Allocator returns the context's loader allocator.
func (lc *LoadContext) Allocator() *LoaderAllocator { return lc.allocator }

// MemoryManager returns the context's singleton memory manager.
func (lc *LoadContext) MemoryManager() *memmgr.Manager { return lc.manager }

// RecordLoaded adds a newly loaded assembly to the context and the domain
// assembly index, taking the index reference. The loader calls it before
// anything else can observe a. It fails with a closed error once teardown
// has drained the context; the caller still owns a then.
func (lc *LoadContext) RecordLoaded(a loadctx.Assembly) error {
	d := lc.domain
	d.assembliesMu.Lock()
	defer d.assembliesMu.Unlock()
	lc.assembliesMu.Lock()
	defer lc.assembliesMu.Unlock()

	if lc.drained {
		return errors.New(errors.PhaseLoad, errors.KindClosed).
			Context(lc.id.String()).
			Assembly(a.Name().String()).
			Detail("context was torn down during the load").
			Build()
	}
	d.assemblies = append(d.assemblies, a)
	d.owners[a] = lc
	a.AddRef()
	lc.assemblies = append(lc.assemblies, a)
	return nil
}

// AcquireLoad pins lc for the duration of a load. A pinned context may still
// be torn down, but its memory manager stays allocated until the last
// ReleaseLoad, so code memory reserved by the load remains valid. It fails
// with a closed error once teardown has started.
func (lc *LoadContext) AcquireLoad() error {
	lc.loadsMu.Lock()
	defer lc.loadsMu.Unlock()
	if lc.loadsClosed {
		return errors.New(errors.PhaseLoad, errors.KindClosed).
			Context(lc.id.String()).
			Detail("context is %s", lc.State()).
			Build()
	}
	lc.loads++
	return nil
}

// ReleaseLoad drops a pin taken by AcquireLoad.
func (lc *LoadContext) ReleaseLoad() {
	lc.loadsMu.Lock()
	errors.Assert(errors.PhaseLoad, lc.loads > 0, "release of an unpinned context %s", lc.id)
	lc.loads--
	free := lc.loads == 0 && lc.freePending
	if free {
		lc.freePending = false
	}
	lc.loadsMu.Unlock()

	if free {
		lc.manager.Free(lc.domain.cfg.DebugUnload)
		Logger().Debug("memory manager freed after pending loads",
			zap.Stringer("context", lc.id))
	}
}

// LoadsInProgress returns the number of pinned loads.
func (lc *LoadContext) LoadsInProgress() int {
	lc.loadsMu.Lock()
	defer lc.loadsMu.Unlock()
	return lc.loads
}

// closeLoads refuses new pins.
func (lc *LoadContext) closeLoads() {
	lc.loadsMu.Lock()
	lc.loadsClosed = true
	lc.loadsMu.Unlock()
}

// freeManager frees the memory manager unless a load still pins the
// context, in which case the last ReleaseLoad frees it.
func (lc *LoadContext) freeManager(debug bool) bool {
	lc.loadsMu.Lock()
	if lc.loads > 0 {
		lc.freePending = true
		lc.loadsMu.Unlock()
		return false
	}
	lc.loadsMu.Unlock()
	lc.manager.Free(debug)
	return true
}

// Assemblies returns a snapshot of the loaded assemblies in load order.
func (lc *LoadContext) Assemblies() []loadctx.Assembly {
	lc.assembliesMu.Lock()
	defer lc.assembliesMu.Unlock()
	return append([]loadctx.Assembly(nil), lc.assemblies...)
}

// GenericManagers returns the shared memory managers lc is an owner of.
func (lc *LoadContext) GenericManagers() []*memmgr.Manager {
	lc.managersMu.Lock()
	defer lc.managersMu.Unlock()
	return append([]*memmgr.Manager(nil), lc.generic...)
}

// armTracker creates the managed allocator and its scout. The context holds
// the allocator through a strong tracker handle; the allocator references
// the scout, whose finalizer drives teardown.
func (lc *LoadContext) armTracker() {
	c := lc.domain.collector
	scout := gchandle.New(ClassLoaderAllocatorScout, lc.allocator)
	managed := gchandle.New(ClassLoaderAllocator, lc.allocator)
	managed.Ref(scout)

	lc.allocator.weak = c.NewHandle(managed, gchandle.Weak)
	lc.tracker.Store(c.NewHandle(managed, gchandle.Strong))

	lc.finalizer = lc.allocator.destroy
	c.SetFinalizer(scout, lc.finalizer)
}

// BeginUnload starts unloading a collectible context. strong is a new strong
// handle to the managed wrapper; it replaces the weak one so the wrapper
// survives native teardown. The tracker handle is released so the collector
// can finalize the tracker.
//
// Calling BeginUnload on a non-collectible context or twice on the same
// context is an invariant failure.
func (lc *LoadContext) BeginUnload(strong gchandle.Handle) {
	errors.Assert(errors.PhaseUnload, lc.collectible, "begin unload of non-collectible context %s", lc.id)
	errors.Assert(errors.PhaseUnload, strong.IsStrong(), "begin unload requires a strong handle, got %s", strong)
	errors.Assert(errors.PhaseUnload, !lc.handle.Load().IsZero(), "context %s has no managed handle", lc.id)
	errors.Assert(errors.PhaseUnload, !lc.tracker.Load().IsZero(), "context %s has no tracker handle", lc.id)

	if !lc.state.CompareAndSwap(int32(StateLive), int32(StateUnloading)) {
		errors.Fatal(errors.PhaseUnload, "context %s is already %s", lc.id, lc.State())
	}

	c := lc.domain.collector
	lc.handle.Replace(c, strong)
	lc.allocator.Decref()
	lc.tracker.Release(c)

	Logger().Debug("load context unloading",
		zap.Stringer("context", lc.id),
		zap.Int32("allocator_refs", lc.allocator.RefCount()))
}
