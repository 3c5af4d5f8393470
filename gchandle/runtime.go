package gchandle

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx/errors"
)

// Runtime is a Collector backed by the Go garbage collector. Strong handles
// hold ordinary pointers, weak handles hold weak pointers, and finalizers are
// runtime cleanups.
//
// Roots are recorded for diagnostics only: anything a root set refers to is
// already reachable from Go memory.
//
// A finalizer function must not reference the object it is attached to,
// otherwise the object never becomes unreachable.
type Runtime struct {
	mu       sync.Mutex
	handles  table
	roots    map[RootID]root
	nextRoot RootID

	running atomic.Int64
	rearmed atomic.Int64
}

// NewRuntime creates a Runtime collector.
func NewRuntime() *Runtime {
	return &Runtime{
		handles: newTable(),
		roots:   make(map[RootID]root),
	}
}

// NewHandle creates a handle of the given kind to obj.
func (c *Runtime) NewHandle(obj *Object, kind Kind) Handle {
	errors.Assert(errors.PhaseCollect, obj != nil, "handle to nil object")
	e := entry{kind: kind}
	if kind == Strong {
		e.obj = obj
	} else {
		e.wp = weak.Make(obj)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.alloc(e)
}

// Target returns the object h refers to, or nil.
func (c *Runtime) Target(h Handle) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.handles.lookup(h)
	if e == nil {
		return nil
	}
	if e.kind == Strong {
		return e.obj
	}
	return e.wp.Value()
}

// Release frees h.
func (c *Runtime) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles.free(h)
}

// RegisterRoot records a root set.
func (c *Runtime) RegisterRoot(name string, scan ScanFunc) RootID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRoot++
	c.roots[c.nextRoot] = root{name: name, scan: scan}
	return c.nextRoot
}

// UnregisterRoot removes a root set.
func (c *Runtime) UnregisterRoot(id RootID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roots[id]; !ok {
		errors.Fatal(errors.PhaseCollect, "unregister of unknown root %d", id)
	}
	delete(c.roots, id)
}

// SetFinalizer attaches fn to obj as a runtime cleanup.
func (c *Runtime) SetFinalizer(obj *Object, fn func() bool) {
	runtime.AddCleanup(obj, c.cleanup, fn)
}

// cleanup runs a finalizer. A finalizer that asks to be re-armed is attached
// to a fresh unreachable sentinel, which the next GC cycle collects.
func (c *Runtime) cleanup(fn func() bool) {
	c.running.Add(1)
	defer c.running.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("finalizer panicked", zap.Any("panic", r))
		}
	}()

	if !fn() {
		c.rearmed.Add(1)
		sentinel := new([64]byte)
		runtime.AddCleanup(sentinel, c.cleanup, fn)
	}
}

// Collect forces a garbage collection.
func (c *Runtime) Collect() {
	runtime.GC()
}

// WaitFinalizers forces another collection and waits for cleanups that have
// started to return. The Go runtime does not expose its cleanup queue, so
// cleanups that have not started yet are not waited for.
func (c *Runtime) WaitFinalizers() {
	runtime.GC()
	runtime.Gosched()
	for c.running.Load() > 0 {
		runtime.Gosched()
	}
}

// Rearmed returns how many times a finalizer asked to run again.
func (c *Runtime) Rearmed() int64 {
	return c.rearmed.Load()
}

// Close releases nothing; handles left live are dropped with the collector.
func (c *Runtime) Close() error {
	return nil
}
