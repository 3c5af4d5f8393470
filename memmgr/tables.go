package memmgr

import (
	"sync/atomic"

	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

// vtableSlotSize is the size of one dispatch slot in the metadata arena.
const vtableSlotSize = 8

// RuntimeTypeClass is the class of reflection type objects.
const RuntimeTypeClass = "RuntimeType"

// VTable is a dispatch table allocated from a manager. Its reflection type
// object is kept alive by a root of its own.
type VTable struct {
	Type  string
	Slots []byte

	root    gchandle.RootID
	manager *Manager
}

// ReflectedKey identifies a reflection object: the item reflected and the
// class of the reflection object.
type ReflectedKey struct {
	Item  string
	Class string
}

// ReflectedEntry is a reflection table entry. It owns a native record that
// table destruction does not free by itself.
type ReflectedEntry struct {
	Key    ReflectedKey
	Object *gchandle.Object

	record []byte
	freed  atomic.Bool
}

// Freed reports whether the entry's native record has been freed.
func (e *ReflectedEntry) Freed() bool { return e.freed.Load() }

// ReflectionType returns the reflection type object for typeName, creating
// it on first use.
func (m *Manager) ReflectionType(typeName string) *gchandle.Object {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reflectionTypeLocked(typeName)
}

func (m *Manager) reflectionTypeLocked(typeName string) *gchandle.Object {
	m.checkAlive()
	if obj, ok := m.typeHash[typeName]; ok {
		return obj
	}
	obj := gchandle.New(RuntimeTypeClass, typeName)
	m.typeHash[typeName] = obj
	return obj
}

// NewVTable allocates a vtable with the given number of slots for typeName
// and roots its reflection type.
func (m *Manager) NewVTable(typeName string, slots int) *VTable {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reflectionTypeLocked(typeName)
	vt := &VTable{
		Type:    typeName,
		Slots:   m.AllocZeroedNoLock(slots * vtableSlotSize),
		manager: m,
	}
	vt.root = m.collector.RegisterRoot("vtable "+typeName, func(mark func(*gchandle.Object)) {
		m.mu.Lock()
		obj := m.typeHash[typeName]
		m.mu.Unlock()
		mark(obj)
	})
	m.vtables = append(m.vtables, vt)
	return vt
}

// ReflectionObject returns the reflection object for key, creating it with
// create on first use. recordSize bytes are set aside for the entry's native
// record.
func (m *Manager) ReflectionObject(key ReflectedKey, recordSize int, create func() *gchandle.Object) *ReflectedEntry {
	m.checkAlive()
	if e := m.lookupReflected(key); e != nil {
		return e
	}

	// create may run managed code, so it runs outside the lock; the first
	// insert wins.
	obj := create()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkAlive()
	if e, ok := m.refObjects[key]; ok {
		return e
	}
	e := &ReflectedEntry{Key: key, Object: obj, record: make([]byte, recordSize)}
	m.refObjects[key] = e
	return e
}

func (m *Manager) lookupReflected(key ReflectedKey) *ReflectedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refObjects[key]
}

// SetTypeInitException records the exception thrown by typeName's
// initializer.
func (m *Manager) SetTypeInitException(typeName string, exc *gchandle.Object) {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkAlive()
	m.typeInitExceptions[typeName] = exc
}

// TypeInitException returns the recorded initializer exception for typeName.
func (m *Manager) TypeInitException(typeName string) *gchandle.Object {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typeInitExceptions[typeName]
}

func (m *Manager) scanTypeHash(mark func(*gchandle.Object)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.typeHash {
		mark(obj)
	}
}

func (m *Manager) scanRefObjects(mark func(*gchandle.Object)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.refObjects {
		mark(e.Object)
	}
}

func (m *Manager) scanTypeInitExceptions(mark func(*gchandle.Object)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, obj := range m.typeInitExceptions {
		mark(obj)
	}
}

// delete tears the manager down. freeing is set first; a second delete is an
// invariant failure.
func (m *Manager) delete(debugUnload bool) {
	if !m.freeing.CompareAndSwap(false, true) {
		errors.Fatal(errors.PhaseTeardown, "memory manager deleted twice")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// vtable roots read typeHash, so they go before it.
	for _, vt := range m.vtables {
		errors.Assert(errors.PhaseTeardown, m.typeHash != nil, "type table destroyed before vtable roots")
		m.collector.UnregisterRoot(vt.root)
		vt.root = 0
		vt.Slots = nil
	}
	m.vtables = nil

	for _, id := range m.roots {
		m.collector.UnregisterRoot(id)
	}
	m.typeHash = nil

	for _, e := range m.refObjects {
		freeReflected(e)
	}
	m.refObjects = nil
	m.typeInitExceptions = nil

	if debugUnload {
		m.arena.Invalidate()
		m.code.Invalidate()
	} else {
		m.arena.Release()
		m.code.Release()
	}
	m.freed.Store(true)
}

func freeReflected(e *ReflectedEntry) {
	e.record = nil
	e.freed.Store(true)
}
