package gchandle

import (
	"weak"

	"github.com/wippyai/loadctx/errors"
)

// entry is one slot of a handle table. A weak entry in a Runtime collector
// holds a weak pointer; everywhere else obj is used.
type entry struct {
	obj   *Object
	wp    weak.Pointer[Object]
	gen   uint32
	kind  Kind
	valid bool
}

// table maps handles to entries with free-list reuse. Not goroutine-safe;
// collectors guard it with their own lock.
type table struct {
	entries  []entry
	freeList []uint32
	live     int
}

func newTable() table {
	return table{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
	}
}

// alloc stores e and returns its handle.
func (t *table) alloc(e entry) Handle {
	e.valid = true
	t.live++

	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		e.gen = t.entries[idx].gen + 1
		t.entries[idx] = e
		return makeHandle(idx, e.gen, e.kind)
	}

	t.entries = append(t.entries, e)
	idx := uint32(len(t.entries) - 1)
	return makeHandle(idx, e.gen, e.kind)
}

// lookup returns the live entry for h, or nil.
func (t *table) lookup(h Handle) *entry {
	idx, ok := h.index()
	if !ok || int(idx) >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if !e.valid || e.gen != h.gen() || e.kind != h.Kind() {
		return nil
	}
	return e
}

// free releases h. Releasing a stale or unknown handle is fatal.
func (t *table) free(h Handle) {
	e := t.lookup(h)
	if e == nil {
		errors.Fatal(errors.PhaseCollect, "release of invalid handle %s", h)
	}
	idx, _ := h.index()
	e.valid = false
	e.obj = nil
	e.wp = weak.Pointer[Object]{}
	t.freeList = append(t.freeList, idx)
	t.live--
}

// each calls fn for every live entry.
func (t *table) each(fn func(*entry)) {
	for i := range t.entries {
		if t.entries[i].valid {
			fn(&t.entries[i])
		}
	}
}
