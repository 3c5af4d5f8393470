package wasmloader

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx"
	"github.com/wippyai/loadctx/asmname"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

// ClassRuntimeAssembly is the class of an assembly's managed object.
const ClassRuntimeAssembly = "System.Reflection.RuntimeAssembly"

var _ loadctx.Assembly = (*Assembly)(nil)

// Assembly is a compiled module loaded into a load context. It starts with
// one reference, owned by the context.
type Assembly struct {
	loader    *Loader
	collector gchandle.Collector
	compiled  wazero.CompiledModule
	object    *gchandle.Object
	name      asmname.Name

	mu       sync.Mutex
	instance api.Module
	root     gchandle.RootID
	rooted   bool

	refs         atomic.Int32
	closing      atomic.Bool
	finishing    atomic.Bool
	instClosed   atomic.Bool
	moduleClosed atomic.Bool
	dynamic      bool
}

func newAssembly(l *Loader, c gchandle.Collector, name asmname.Name, compiled wazero.CompiledModule, dynamic bool) *Assembly {
	a := &Assembly{
		loader:    l,
		collector: c,
		compiled:  compiled,
		name:      name,
		dynamic:   dynamic,
	}
	a.refs.Store(1)
	a.object = gchandle.New(ClassRuntimeAssembly, a)
	a.root = c.RegisterRoot("Assembly "+name.Name, func(mark func(*gchandle.Object)) {
		mark(a.object)
	})
	a.rooted = true
	return a
}

// Name returns the assembly's identity.
func (a *Assembly) Name() asmname.Name { return a.name }

// IsDynamic reports whether the image was emitted at runtime.
func (a *Assembly) IsDynamic() bool { return a.dynamic }

// Object returns the managed object representing the assembly.
func (a *Assembly) Object() *gchandle.Object { return a.object }

// Compiled returns the compiled module.
func (a *Assembly) Compiled() wazero.CompiledModule { return a.compiled }

// RefCount returns the current reference count.
func (a *Assembly) RefCount() int32 { return a.refs.Load() }

// AddRef takes a reference. The assembly must still be referenced.
func (a *Assembly) AddRef() int32 {
	for {
		n := a.refs.Load()
		errors.Assert(errors.PhaseLoad, n > 0, "addref of unreferenced assembly %s", a.name)
		if a.refs.CompareAndSwap(n, n+1) {
			return n + 1
		}
	}
}

// Decref drops a reference. Dropping the last reference of an assembly that
// is being closed completes the close.
func (a *Assembly) Decref() int32 {
	n := a.refs.Add(-1)
	errors.Assert(errors.PhaseTeardown, n >= 0, "decref of unreferenced assembly %s", a.name)
	if n == 0 {
		ctx := context.Background()
		if a.closing.Load() {
			a.closeInstance(ctx)
		}
		if a.finishing.Load() {
			a.closeModule(ctx)
		}
	}
	return n
}

// Instance returns the assembly's instance, instantiating it on first use.
func (a *Assembly) Instance(ctx context.Context) (api.Module, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closing.Load() || a.loader.closed.Load() {
		return nil, errors.New(errors.PhaseLoad, errors.KindClosed).
			Assembly(a.name.String()).
			Detail("assembly closed").
			Build()
	}
	if a.instance != nil {
		return a.instance, nil
	}

	mod, err := a.loader.runtime.InstantiateModule(ctx, a.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Load(a.name.String(), "instantiate", err)
	}
	a.instance = mod
	return mod, nil
}

// ReleaseGCRoots unregisters the root keeping the managed object alive.
func (a *Assembly) ReleaseGCRoots() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.rooted {
		return
	}
	a.rooted = false
	a.collector.UnregisterRoot(a.root)
}

// CloseExceptPools drops the context's reference. When nothing else holds
// the assembly its instance is closed; otherwise it reports true and the
// instance closes with the last reference.
func (a *Assembly) CloseExceptPools() bool {
	a.closing.Store(true)
	return a.Decref() > 0
}

// CloseFinish closes the compiled module, or defers that to the last
// reference.
func (a *Assembly) CloseFinish() {
	a.finishing.Store(true)
	if a.refs.Load() == 0 {
		a.closeModule(context.Background())
	}
}

// discard drops an assembly its context never recorded.
func (a *Assembly) discard(ctx context.Context) {
	a.ReleaseGCRoots()
	a.closing.Store(true)
	a.finishing.Store(true)
	a.refs.Store(0)
	a.closeModule(ctx)
}

// IsClosed reports whether the compiled module has been closed.
func (a *Assembly) IsClosed() bool { return a.moduleClosed.Load() }

func (a *Assembly) closeInstance(ctx context.Context) {
	if !a.instClosed.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	inst := a.instance
	a.instance = nil
	a.mu.Unlock()

	if inst == nil {
		return
	}
	if err := inst.Close(ctx); err != nil {
		Logger().Warn("failed to close assembly instance",
			zap.Stringer("assembly", a.name),
			zap.Error(err))
	}
}

func (a *Assembly) closeModule(ctx context.Context) {
	if !a.moduleClosed.CompareAndSwap(false, true) {
		return
	}
	a.closeInstance(ctx)
	if err := a.compiled.Close(ctx); err != nil {
		Logger().Warn("failed to close compiled module",
			zap.Stringer("assembly", a.name),
			zap.Error(err))
	}
	Logger().Debug("assembly closed", zap.Stringer("assembly", a.name))
}
