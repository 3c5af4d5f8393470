package memmgr

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/wippyai/loadctx/arena"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/internal/lockorder"
)

// Owner is a load context as seen by its memory manager.
type Owner interface {
	ID() uuid.UUID
}

// Root set names reported to the collector.
const (
	RootTypeHash           = "Domain Reflection Type Table"
	RootRefObjects         = "Domain Reflection Object Table"
	RootTypeInitExceptions = "Domain Type Initialization Exception Table"
)

// Manager is a memory manager.
type Manager struct {
	mu        *lockorder.Mutex
	collector gchandle.Collector

	collectible bool
	generic     bool
	freeing     atomic.Bool
	freed       atomic.Bool
	refs        atomic.Int32

	owner  Owner
	owners []Owner

	arena *arena.Arena
	code  *arena.CodeArena

	vtables            []*VTable
	typeHash           map[string]*gchandle.Object
	refObjects         map[ReflectedKey]*ReflectedEntry
	typeInitExceptions map[string]*gchandle.Object
	roots              [3]gchandle.RootID
}

func newManager(c gchandle.Collector, collectible bool, cfg *Config) *Manager {
	m := &Manager{
		mu:                 lockorder.NewMutex(lockorder.MemoryManager),
		collector:          c,
		collectible:        collectible,
		arena:              arena.New(cfg.chunkSize()),
		code:               arena.NewCode(cfg.codeChunkSize()),
		typeHash:           make(map[string]*gchandle.Object),
		refObjects:         make(map[ReflectedKey]*ReflectedEntry),
		typeInitExceptions: make(map[string]*gchandle.Object),
	}
	m.roots[0] = c.RegisterRoot(RootTypeHash, m.scanTypeHash)
	m.roots[1] = c.RegisterRoot(RootRefObjects, m.scanRefObjects)
	m.roots[2] = c.RegisterRoot(RootTypeInitExceptions, m.scanTypeInitExceptions)
	return m
}

// NewSingleton creates the memory manager owned by a single load context.
// owner may be nil for bootstrap code that has no context.
func NewSingleton(c gchandle.Collector, owner Owner, collectible bool, cfg *Config) *Manager {
	m := newManager(c, collectible, cfg)
	m.owner = owner
	return m
}

// NewGeneric creates a memory manager shared by owners. The manager starts
// with one reference; callers Retain once for every further owner that holds
// it.
func NewGeneric(c gchandle.Collector, owners []Owner, collectible bool, cfg *Config) *Manager {
	errors.Assert(errors.PhaseInit, len(owners) > 0, "generic memory manager without owners")
	m := newManager(c, collectible, cfg)
	m.generic = true
	m.owners = append([]Owner(nil), owners...)
	m.refs.Store(1)
	return m
}

// IsGeneric reports whether the manager is shared.
func (m *Manager) IsGeneric() bool { return m.generic }

// IsCollectible reports whether the manager can be unloaded.
func (m *Manager) IsCollectible() bool { return m.collectible }

// IsFreeing reports whether teardown has started.
func (m *Manager) IsFreeing() bool { return m.freeing.Load() }

// IsFreed reports whether teardown has completed.
func (m *Manager) IsFreed() bool { return m.freed.Load() }

// Owner returns the owning context of a singleton manager.
func (m *Manager) Owner() Owner {
	errors.Assert(errors.PhaseInit, !m.generic, "Owner on a generic memory manager")
	return m.owner
}

// Owners returns the owner set of a generic manager.
func (m *Manager) Owners() []Owner {
	errors.Assert(errors.PhaseInit, m.generic, "Owners on a singleton memory manager")
	return append([]Owner(nil), m.owners...)
}

// RefCount returns the generic manager's reference count.
func (m *Manager) RefCount() int32 {
	return m.refs.Load()
}

// Retain adds a reference to a generic manager. The count must be positive.
func (m *Manager) Retain() int32 {
	errors.Assert(errors.PhaseInit, m.generic, "Retain on a singleton memory manager")
	for {
		n := m.refs.Load()
		errors.Assert(errors.PhaseInit, n > 0, "Retain on a dead memory manager")
		if m.refs.CompareAndSwap(n, n+1) {
			return n + 1
		}
	}
}

// Release drops a reference to a generic manager and deletes it when the
// count reaches zero. It reports whether the manager was deleted.
func (m *Manager) Release(debugUnload bool) bool {
	errors.Assert(errors.PhaseTeardown, m.generic, "Release on a singleton memory manager")
	for {
		n := m.refs.Load()
		errors.Assert(errors.PhaseTeardown, n > 0, "memory manager released below zero")
		if m.refs.CompareAndSwap(n, n-1) {
			if n-1 > 0 {
				return false
			}
			break
		}
	}
	m.delete(debugUnload)
	return true
}

// Free deletes a singleton manager.
func (m *Manager) Free(debugUnload bool) {
	errors.Assert(errors.PhaseTeardown, !m.generic, "Free on a generic memory manager")
	m.delete(debugUnload)
}

// Lock acquires the manager lock.
func (m *Manager) Lock() { m.mu.Lock() }

// Unlock releases the manager lock.
func (m *Manager) Unlock() { m.mu.Unlock() }

func (m *Manager) checkAlive() {
	if m.freeing.Load() {
		errors.Fatal(errors.PhaseAlloc, "allocation from a memory manager that is being freed")
	}
}

// Alloc returns size bytes from the metadata arena.
func (m *Manager) Alloc(size int) []byte {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AllocNoLock(size)
}

// AllocNoLock is Alloc for callers that hold the manager lock.
func (m *Manager) AllocNoLock(size int) []byte {
	m.mu.AssertHeld()
	m.checkAlive()
	return m.arena.AllocBytes(size)
}

// AllocZeroed returns size zeroed bytes from the metadata arena.
func (m *Manager) AllocZeroed(size int) []byte {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.AllocZeroedNoLock(size)
}

// AllocZeroedNoLock is AllocZeroed for callers that hold the manager lock.
func (m *Manager) AllocZeroedNoLock(size int) []byte {
	m.mu.AssertHeld()
	m.checkAlive()
	return m.arena.AllocZeroed(size)
}

// CodeReserve reserves size bytes of code memory.
func (m *Manager) CodeReserve(size int) arena.Reservation {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkAlive()
	return m.code.Reserve(size)
}

// CodeReserveAlign reserves size bytes of code memory aligned to align.
func (m *Manager) CodeReserveAlign(size, align int) arena.Reservation {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkAlive()
	return m.code.ReserveAlign(size, align)
}

// CodeCommit shrinks a reservation to the newSize bytes actually emitted.
func (m *Manager) CodeCommit(r arena.Reservation, newSize int) []byte {
	m.checkAlive()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkAlive()
	return m.code.Commit(r, newSize)
}

// CodeForeach calls fn for the used part of every code chunk.
func (m *Manager) CodeForeach(fn func(used []byte, capacity int) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.code.Foreach(fn)
}

// Stats describes a manager's usage.
type Stats struct {
	ArenaBytes         int
	ArenaChunks        int
	CodeBytes          int
	CodeChunks         int
	VTables            int
	ReflectionTypes    int
	ReflectionObjects  int
	TypeInitExceptions int
}

// Stats returns current usage. It must not be called after teardown.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() Stats {
	a := m.arena.Stats()
	c := m.code.Stats()
	return Stats{
		ArenaBytes:         a.Allocated,
		ArenaChunks:        a.Chunks,
		CodeBytes:          c.Allocated,
		CodeChunks:         c.Chunks,
		VTables:            len(m.vtables),
		ReflectionTypes:    len(m.typeHash),
		ReflectionObjects:  len(m.refObjects),
		TypeInitExceptions: len(m.typeInitExceptions),
	}
}
