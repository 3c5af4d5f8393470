package alc

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

// LoaderAllocator is the native side of a context's managed allocator.
//
// Its count starts at one for the context and gains one while it is
// registered in the domain's collectible set. BeginUnload drops one and
// finalization of the tracker drops another. When it reaches zero the domain
// sweeps it and tears the context down.
type LoaderAllocator struct {
	lc   *LoadContext
	refs atomic.Int32

	// weak refers to the managed allocator object.
	weak gchandle.Handle

	destroyed atomic.Bool
	attempts  atomic.Int32
}

func newLoaderAllocator(lc *LoadContext) *LoaderAllocator {
	la := &LoaderAllocator{lc: lc}
	la.refs.Store(1)
	return la
}

// Context returns the context the allocator belongs to.
func (la *LoaderAllocator) Context() *LoadContext { return la.lc }

// RefCount returns the current count.
func (la *LoaderAllocator) RefCount() int32 { return la.refs.Load() }

// AddRef increments the count, which must be positive.
func (la *LoaderAllocator) AddRef() int32 {
	for {
		n := la.refs.Load()
		errors.Assert(errors.PhaseInit, n > 0, "addref of dead loader allocator for %s", la.lc.id)
		if la.refs.CompareAndSwap(n, n+1) {
			return n + 1
		}
	}
}

// Decref decrements the count, which must be positive, and returns the new
// value. The count never goes below zero.
func (la *LoaderAllocator) Decref() int32 {
	for {
		n := la.refs.Load()
		errors.Assert(errors.PhaseTeardown, n > 0, "decref of dead loader allocator for %s", la.lc.id)
		if la.refs.CompareAndSwap(n, n-1) {
			return n - 1
		}
	}
}

// FinalizeAttempts returns how many times the tracker finalizer has run.
func (la *LoaderAllocator) FinalizeAttempts() int32 { return la.attempts.Load() }

// destroy is the tracker finalizer. It reports false while the managed
// allocator is still reachable through its weak handle, which re-arms it for
// the next cycle. Later deliveries after a successful one are ignored.
func (la *LoaderAllocator) destroy() bool {
	la.attempts.Add(1)
	d := la.lc.domain

	if d.collector.Target(la.weak) != nil {
		Logger().Debug("managed loader allocator still alive, deferring teardown",
			zap.Stringer("context", la.lc.id))
		return false
	}
	if !la.destroyed.CompareAndSwap(false, true) {
		return true
	}

	refs := la.Decref()
	switch d.cfg.Variant {
	case VariantRefcounted:
		if refs == 0 {
			d.collectAllocators()
		}
	default:
		d.finalizeDirect(la.lc)
	}
	return true
}
