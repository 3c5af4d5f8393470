package alc

import (
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/memmgr"
)

func ownerKey(ids []string) string {
	ids = slices.Clone(ids)
	slices.Sort(ids)
	ids = slices.Compact(ids)
	return strings.Join(ids, ",")
}

func managerKey(m *memmgr.Manager) string {
	owners := m.Owners()
	ids := make([]string, len(owners))
	for i, o := range owners {
		ids[i] = o.ID().String()
	}
	return ownerKey(ids)
}

// GenericManager returns the memory manager shared by exactly the given
// contexts, creating it on first use. Every owner holds one reference and
// releases it when it is torn down.
//
// Generic managers need the refcounted unload variant.
func (d *Domain) GenericManager(owners ...*LoadContext) (*memmgr.Manager, error) {
	if d.cfg.Variant != VariantRefcounted {
		return nil, errors.Unsupported(errors.PhaseInit, "generic memory managers require the refcounted unload variant")
	}
	if len(owners) == 0 {
		return nil, errors.InvalidInput(errors.PhaseInit, "generic memory manager without owners")
	}

	ids := make([]string, len(owners))
	for i, lc := range owners {
		ids[i] = lc.id.String()
	}
	key := ownerKey(ids)

	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()

	if m, ok := d.generic[key]; ok {
		return m, nil
	}

	uniq := make([]memmgr.Owner, 0, len(owners))
	collectible := false
	for _, lc := range owners {
		if !slices.Contains(d.contexts, lc) {
			return nil, errors.New(errors.PhaseInit, errors.KindNotFound).
				Context(lc.id.String()).
				Detail("context is not registered in the domain").
				Build()
		}
		if lc.IsUnloading() {
			return nil, errors.New(errors.PhaseInit, errors.KindInvalidInput).
				Context(lc.id.String()).
				Detail("context is unloading").
				Build()
		}
		if slices.ContainsFunc(uniq, func(o memmgr.Owner) bool { return o == memmgr.Owner(lc) }) {
			continue
		}
		uniq = append(uniq, lc)
		collectible = collectible || lc.collectible
	}

	m := memmgr.NewGeneric(d.collector, uniq, collectible, d.cfg.Memory)
	for i, o := range uniq {
		if i > 0 {
			m.Retain()
		}
		lc := o.(*LoadContext)
		lc.managersMu.Lock()
		lc.generic = append(lc.generic, m)
		lc.managersMu.Unlock()
	}
	d.generic[key] = m

	Logger().Debug("generic memory manager created",
		zap.String("owners", key),
		zap.Int32("ref_count", m.RefCount()))
	return m, nil
}

// GenericManagers returns the number of live generic memory managers.
func (d *Domain) GenericManagers() int {
	d.contextsMu.Lock()
	defer d.contextsMu.Unlock()
	return len(d.generic)
}

// releaseGenericManagers drops lc's reference to every generic manager it
// owns. A manager whose last owner goes away is freed and leaves the domain
// index.
//
// LOCKING: the domain context list lock is held.
func (lc *LoadContext) releaseGenericManagers(debug bool) {
	d := lc.domain
	lc.managersMu.Lock()
	managers := lc.generic
	lc.generic = nil
	lc.managersMu.Unlock()

	for _, m := range managers {
		key := managerKey(m)
		if m.Release(debug) {
			delete(d.generic, key)
			Logger().Debug("generic memory manager freed", zap.String("owners", key))
		}
	}
}
