package alc

import (
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/postmortem"
)

// teardown closes the context's assemblies and frees it. Each phase
// completes for every assembly before the next one starts.
//
// LOCKING: the domain context list lock is held.
func (lc *LoadContext) teardown() {
	d := lc.domain
	d.contextsMu.AssertHeld()

	errors.Assert(errors.PhaseTeardown, lc != d.defaultCtx, "teardown of the default context")
	errors.Assert(errors.PhaseTeardown, lc.collectible, "teardown of non-collectible context %s", lc.id)
	if !lc.state.CompareAndSwap(int32(StateUnloading), int32(StateFinalizing)) {
		errors.Fatal(errors.PhaseTeardown, "teardown of context %s in state %s", lc.id, lc.State())
	}

	log := Logger().With(zap.Stringer("context", lc.id))
	lc.closeLoads()
	assemblies := lc.removeFromIndex(log)

	for _, a := range assemblies {
		a.ReleaseGCRoots()
	}

	stillReferenced := 0
	for _, a := range assemblies {
		if !a.IsDynamic() {
			continue
		}
		log.Debug("unloading context, closing dynamic assembly",
			zap.Stringer("assembly", a.Name()),
			zap.Int32("ref_count", a.RefCount()))
		if a.CloseExceptPools() {
			stillReferenced++
		}
	}
	for _, a := range assemblies {
		if a.IsDynamic() {
			continue
		}
		log.Debug("unloading context, closing assembly",
			zap.Stringer("assembly", a.Name()),
			zap.Int32("ref_count", a.RefCount()))
		if a.CloseExceptPools() {
			stillReferenced++
		}
	}
	if stillReferenced > 0 {
		log.Warn("assemblies still referenced at close, deferring to finish pass",
			zap.Int("count", stillReferenced))
	}

	for _, a := range assemblies {
		a.CloseFinish()
	}

	lc.free(assemblies, log)
}

// removeFromIndex drains the context's assembly list and removes every
// assembly from the domain index, dropping the index reference.
func (lc *LoadContext) removeFromIndex(log *zap.Logger) []loadctx.Assembly {
	d := lc.domain
	d.assembliesMu.Lock()
	defer d.assembliesMu.Unlock()

	lc.assembliesMu.Lock()
	assemblies := lc.assemblies
	lc.assemblies = nil
	lc.drained = true
	lc.assembliesMu.Unlock()

	for _, a := range assemblies {
		for i, x := range d.assemblies {
			if x == a {
				d.assemblies = append(d.assemblies[:i], d.assemblies[i+1:]...)
				break
			}
		}
		delete(d.owners, a)
		a.Decref()
		log.Debug("unloading context, removed assembly from domain index",
			zap.Stringer("assembly", a.Name()),
			zap.Int32("ref_count", a.RefCount()))
	}
	return assemblies
}

// free releases everything the context owns and removes it from the domain.
//
// LOCKING: the domain context list lock is held.
func (lc *LoadContext) free(assemblies []loadctx.Assembly, log *zap.Logger) {
	d := lc.domain
	debug := d.cfg.DebugUnload

	if debug && d.cfg.Recorder != nil {
		rec := lc.record(assemblies)
		if err := d.cfg.Recorder.Put(rec); err != nil {
			log.Warn("failed to write postmortem record", zap.Error(err))
		}
	}

	if !lc.freeManager(debug) {
		log.Debug("loads in progress, deferring memory manager free")
	}
	lc.releaseGenericManagers(debug)

	c := d.collector
	if !lc.allocator.weak.IsZero() {
		c.Release(lc.allocator.weak)
		lc.allocator.weak = 0
	}
	lc.scopes.destroy()
	lc.handle.Release(c)

	d.removeLocked(lc)
	lc.state.Store(int32(StateFreed))

	log.Debug("load context freed", zap.Int("assemblies", len(assemblies)))
	if d.cfg.OnFreed != nil {
		d.cfg.OnFreed(lc)
	}
}

func (lc *LoadContext) record(assemblies []loadctx.Assembly) *postmortem.Record {
	s := lc.manager.Stats()
	names := make([]string, len(assemblies))
	for i, a := range assemblies {
		names[i] = a.Name().String()
	}
	return &postmortem.Record{
		ContextID:          lc.id.String(),
		Collectible:        lc.collectible,
		Variant:            lc.domain.cfg.Variant.String(),
		Assemblies:         names,
		ArenaBytes:         s.ArenaBytes,
		ArenaChunks:        s.ArenaChunks,
		CodeBytes:          s.CodeBytes,
		CodeChunks:         s.CodeChunks,
		VTables:            s.VTables,
		ReflectionTypes:    s.ReflectionTypes,
		ReflectionObjects:  s.ReflectionObjects,
		TypeInitExceptions: s.TypeInitExceptions,
		UnloadedAt:         time.Now().UTC(),
	}
}
