package gchandle

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx/errors"
)

type root struct {
	name string
	scan ScanFunc
}

type finalizer struct {
	obj *Object
	fn  func() bool
}

// Local is a deterministic tracing collector. Objects are live when they are
// reachable from a strong handle or a registered root. Collect clears weak
// handles to unreachable objects and queues their finalizers.
type Local struct {
	mu         sync.Mutex
	handles    table
	roots      map[RootID]root
	nextRoot   RootID
	finalizers map[*Object]func() bool
	closed     bool

	queue   chan finalizer
	pending sync.WaitGroup
	done    chan struct{}

	cycles int
	panics int
}

// NewLocal creates a Local collector and starts its finalizer goroutine.
func NewLocal() *Local {
	c := &Local{
		handles:    newTable(),
		roots:      make(map[RootID]root),
		finalizers: make(map[*Object]func() bool),
		queue:      make(chan finalizer, 64),
		done:       make(chan struct{}),
	}
	go c.runFinalizers()
	return c
}

// NewHandle creates a handle of the given kind to obj.
func (c *Local) NewHandle(obj *Object, kind Kind) Handle {
	errors.Assert(errors.PhaseCollect, obj != nil, "handle to nil object")
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.alloc(entry{obj: obj, kind: kind})
}

// Target returns the object h refers to, or nil when h is invalid or a
// cleared weak handle.
func (c *Local) Target(h Handle) *Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.handles.lookup(h); e != nil {
		return e.obj
	}
	return nil
}

// Release frees h.
func (c *Local) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles.free(h)
}

// Kind returns the kind recorded for a live handle.
func (c *Local) Kind(h Handle) (Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.handles.lookup(h); e != nil {
		return e.kind, true
	}
	return 0, false
}

// IsValid reports whether h is live.
func (c *Local) IsValid(h Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.lookup(h) != nil
}

// Handles returns the number of live handles.
func (c *Local) Handles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles.live
}

// RegisterRoot registers a root set.
func (c *Local) RegisterRoot(name string, scan ScanFunc) RootID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRoot++
	c.roots[c.nextRoot] = root{name: name, scan: scan}
	return c.nextRoot
}

// UnregisterRoot removes a root set.
func (c *Local) UnregisterRoot(id RootID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.roots[id]; !ok {
		errors.Fatal(errors.PhaseCollect, "unregister of unknown root %d", id)
	}
	delete(c.roots, id)
}

// Roots returns the names of the registered root sets.
func (c *Local) Roots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.roots))
	for _, r := range c.roots {
		names = append(names, r.name)
	}
	return names
}

// SetFinalizer arranges for fn to run after obj becomes unreachable.
func (c *Local) SetFinalizer(obj *Object, fn func() bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalizers[obj] = fn
}

// Collect runs one collection cycle. Root scanners run without the collector
// lock held, so they may take their own locks.
func (c *Local) Collect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	scans := make([]ScanFunc, 0, len(c.roots))
	for _, r := range c.roots {
		scans = append(scans, r.scan)
	}
	c.mu.Unlock()

	marked := make(map[*Object]struct{})
	var stack []*Object
	mark := func(o *Object) {
		if o == nil {
			return
		}
		if _, ok := marked[o]; ok {
			return
		}
		marked[o] = struct{}{}
		stack = append(stack, o)
	}
	drain := func() {
		for len(stack) > 0 {
			o := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, r := range o.Refs() {
				mark(r)
			}
		}
	}

	for _, scan := range scans {
		scan(mark)
	}
	drain()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.handles.each(func(e *entry) {
		if e.kind == Strong {
			mark(e.obj)
		}
	})
	drain()

	cleared := 0
	c.handles.each(func(e *entry) {
		if e.kind == Weak && e.obj != nil {
			if _, ok := marked[e.obj]; !ok {
				e.obj = nil
				cleared++
			}
		}
	})

	var ready []finalizer
	for obj, fn := range c.finalizers {
		if _, ok := marked[obj]; !ok {
			ready = append(ready, finalizer{obj: obj, fn: fn})
			delete(c.finalizers, obj)
		}
	}
	c.cycles++
	cycle := c.cycles
	c.pending.Add(len(ready))
	c.mu.Unlock()

	Logger().Debug("collection cycle",
		zap.Int("cycle", cycle),
		zap.Int("marked", len(marked)),
		zap.Int("weak_cleared", cleared),
		zap.Int("finalizable", len(ready)))

	for _, f := range ready {
		c.queue <- f
	}
}

// WaitFinalizers blocks until every finalizer queued by earlier Collect calls
// has returned.
func (c *Local) WaitFinalizers() {
	c.pending.Wait()
}

// Cycles returns the number of completed collection cycles.
func (c *Local) Cycles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// FinalizerPanics returns the number of finalizers that panicked.
func (c *Local) FinalizerPanics() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.panics
}

// Close waits for queued finalizers and stops the finalizer goroutine.
func (c *Local) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.pending.Wait()
	close(c.queue)
	<-c.done
	return nil
}

func (c *Local) runFinalizers() {
	defer close(c.done)
	for f := range c.queue {
		c.runFinalizer(f)
	}
}

func (c *Local) runFinalizer(f finalizer) {
	defer c.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.panics++
			c.mu.Unlock()
			Logger().Error("finalizer panicked",
				zap.String("class", f.obj.Class),
				zap.Any("panic", r))
		}
	}()

	if !f.fn() {
		c.SetFinalizer(f.obj, f.fn)
	}
}
