package runtime

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

// NewContext creates a load context together with its managed wrapper.
func (r *Runtime) NewContext(collectible bool) (*alc.LoadContext, error) {
	if r.closed.Load() {
		return nil, errors.Closed(errors.PhaseInit, "runtime")
	}

	c := r.collector
	wrapper := gchandle.New(ClassAssemblyLoadContext, nil)
	user := c.NewHandle(wrapper, gchandle.Strong)

	kind := gchandle.Strong
	if collectible {
		kind = gchandle.Weak
	}
	h := c.NewHandle(wrapper, kind)

	lc, err := r.domain.CreateIndividual(h, collectible)
	if err != nil {
		c.Release(h)
		c.Release(user)
		return nil, err
	}

	r.mu.Lock()
	r.managed[lc] = &managedRef{wrapper: wrapper, user: user}
	r.mu.Unlock()
	return lc, nil
}

// Unload starts unloading lc and drops the runtime's hold on its wrapper.
// The context is freed by a later collection.
func (r *Runtime) Unload(lc *alc.LoadContext) error {
	if !lc.IsCollectible() {
		return errors.New(errors.PhaseUnload, errors.KindInvalidInput).
			Context(lc.ID().String()).
			Detail("context is not collectible").
			Build()
	}

	r.mu.Lock()
	ref, ok := r.managed[lc]
	if ok {
		delete(r.managed, lc)
	}
	r.mu.Unlock()
	if !ok {
		return errors.New(errors.PhaseUnload, errors.KindNotFound).
			Context(lc.ID().String()).
			Detail("context is %s or not owned by this runtime", lc.State()).
			Build()
	}

	c := r.collector
	lc.BeginUnload(c.NewHandle(ref.wrapper, gchandle.Strong))
	c.Release(ref.user)

	Logger().Debug("context unload requested", zap.Stringer("context", lc.ID()))
	return nil
}

// Lookup returns the live context with the given id.
func (r *Runtime) Lookup(id uuid.UUID) (*alc.LoadContext, bool) {
	for _, lc := range r.domain.Contexts() {
		if lc.ID() == id {
			return lc, true
		}
	}
	return nil, false
}

// ContextInfo describes a registered context.
type ContextInfo struct {
	ID          uuid.UUID
	State       alc.State
	Default     bool
	Collectible bool
	Assemblies  []string
	ArenaBytes  int
	CodeBytes   int
}

// Contexts describes every registered context in creation order. Memory
// figures are only filled in for live contexts.
func (r *Runtime) Contexts() []ContextInfo {
	contexts := r.domain.Contexts()
	infos := make([]ContextInfo, 0, len(contexts))
	for _, lc := range contexts {
		info := ContextInfo{
			ID:          lc.ID(),
			State:       lc.State(),
			Default:     lc.IsDefault(),
			Collectible: lc.IsCollectible(),
		}
		for _, a := range lc.Assemblies() {
			info.Assemblies = append(info.Assemblies, a.Name().String())
		}
		if info.State == alc.StateLive {
			s := lc.MemoryManager().Stats()
			info.ArenaBytes = s.ArenaBytes
			info.CodeBytes = s.CodeBytes
		}
		infos = append(infos, info)
	}
	return infos
}
