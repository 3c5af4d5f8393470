// Package lockorder implements mutexes tagged with a level in the load
// context lock hierarchy.
//
// When checking is enabled, every acquisition verifies that the calling
// goroutine holds no lock of an equal or higher level. A violation is an
// invariant failure. Checking is off by default; it identifies goroutines by
// parsing runtime.Stack and is meant for tests and debug runs.
package lockorder

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/wippyai/loadctx/errors"
)

// Level orders locks. Locks must be acquired in increasing level order.
type Level int

const (
	ContextList     Level = 10 // domain: all load contexts, generic manager index
	ContextManagers Level = 15 // context: generic memory managers it shares
	AssemblyIndex   Level = 20 // domain: assembly index
	AssemblyList    Level = 30 // context: loaded assemblies
	MemoryManager   Level = 40 // memory manager
	NativeScopes    Level = 50 // context: native library cache (leaf)
)

func (l Level) String() string {
	switch l {
	case ContextList:
		return "context-list"
	case ContextManagers:
		return "context-managers"
	case AssemblyIndex:
		return "assembly-index"
	case AssemblyList:
		return "assembly-list"
	case MemoryManager:
		return "memory-manager"
	case NativeScopes:
		return "native-scopes"
	default:
		return "level(" + strconv.Itoa(int(l)) + ")"
	}
}

var checking atomic.Bool

// SetChecking enables or disables hierarchy checks. Locks taken before a
// change keep the mode they were taken with.
func SetChecking(on bool) {
	checking.Store(on)
}

// Checking reports whether hierarchy checks are enabled.
func Checking() bool {
	return checking.Load()
}

var (
	heldMu sync.Mutex
	held   = make(map[uint64][]Level)
)

// Mutex is a sync.Mutex with a hierarchy level.
type Mutex struct {
	mu      sync.Mutex
	level   Level
	checked bool
}

// NewMutex returns an unlocked mutex at the given level.
func NewMutex(level Level) *Mutex {
	return &Mutex{level: level}
}

// Level returns the mutex's level.
func (m *Mutex) Level() Level {
	return m.level
}

// Lock acquires the mutex.
func (m *Mutex) Lock() {
	if !checking.Load() {
		m.mu.Lock()
		m.checked = false
		return
	}

	gid := goid()
	heldMu.Lock()
	levels := held[gid]
	for _, l := range levels {
		if l >= m.level {
			heldMu.Unlock()
			errors.Fatal(errors.PhaseLock, "acquiring %s while holding %s", m.level, l)
		}
	}
	heldMu.Unlock()

	m.mu.Lock()
	m.checked = true

	heldMu.Lock()
	held[gid] = append(held[gid], m.level)
	heldMu.Unlock()
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	if m.checked {
		m.checked = false
		release(m.level)
	}
	m.mu.Unlock()
}

// AssertHeld fails when checking is enabled and the calling goroutine does
// not hold a lock at this mutex's level.
func (m *Mutex) AssertHeld() {
	if !checking.Load() {
		return
	}
	gid := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	for _, l := range held[gid] {
		if l == m.level {
			return
		}
	}
	errors.Fatal(errors.PhaseLock, "%s lock not held", m.level)
}

// Held returns the levels the calling goroutine holds, in acquisition order.
func Held() []Level {
	gid := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	return append([]Level(nil), held[gid]...)
}

func release(level Level) {
	gid := goid()
	heldMu.Lock()
	defer heldMu.Unlock()
	levels := held[gid]
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i] == level {
			levels = append(levels[:i], levels[i+1:]...)
			break
		}
	}
	if len(levels) == 0 {
		delete(held, gid)
	} else {
		held[gid] = levels
	}
}

var goroutinePrefix = []byte("goroutine ")

// goid parses the current goroutine id from the stack header.
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		errors.Fatal(errors.PhaseLock, "cannot parse goroutine id: %v", err)
	}
	return id
}
