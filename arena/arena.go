package arena

import (
	"unsafe"

	"github.com/wippyai/loadctx/errors"
)

// DefaultChunkSize is the default chunk size for new arenas (64 KiB).
const DefaultChunkSize = 1 << 16

// Poison is written over invalidated metadata memory.
const Poison byte = 0x2a

// chunk represents a single memory chunk within an arena.
type chunk struct {
	buf    []byte  // backing memory
	offset uintptr // allocation offset within buf
}

// Arena is a chunked bump allocator. Not goroutine-safe.
type Arena struct {
	chunks      []chunk
	chunkSize   int
	allocated   int
	invalidated bool
}

// New creates an Arena with the specified chunk size.
// If chunkSize <= 0, DefaultChunkSize is used.
func New(chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	a := &Arena{chunkSize: chunkSize}
	a.grow(chunkSize)
	return a
}

// AllocBytes returns n bytes from the arena. The contents are undefined.
// Returns nil if n <= 0.
func (a *Arena) AllocBytes(n int) []byte {
	a.checkUsable()
	if n <= 0 {
		return nil
	}

	c := &a.chunks[len(a.chunks)-1]
	off := alignPtr(c.offset)
	if off+uintptr(n) > uintptr(len(c.buf)) {
		a.grow(n)
		c = &a.chunks[len(a.chunks)-1]
		off = 0
	}

	start := int(off)
	c.offset = off + uintptr(n)
	a.allocated += n
	return c.buf[start : start+n : start+n]
}

// AllocZeroed returns n zeroed bytes from the arena.
func (a *Arena) AllocZeroed(n int) []byte {
	b := a.AllocBytes(n)
	clear(b)
	return b
}

// Invalidate poisons every chunk and makes the arena unusable while keeping
// the memory around for inspection.
func (a *Arena) Invalidate() {
	a.checkUsable()
	for i := range a.chunks {
		buf := a.chunks[i].buf
		for j := range buf {
			buf[j] = Poison
		}
	}
	a.invalidated = true
}

// Release drops all chunks and makes the arena unusable.
func (a *Arena) Release() {
	a.chunks = nil
	a.invalidated = false
}

// Released reports whether Release has been called.
func (a *Arena) Released() bool {
	return a.chunks == nil
}

// Invalidated reports whether Invalidate has been called.
func (a *Arena) Invalidated() bool {
	return a.invalidated
}

// grow appends a new chunk of at least min bytes.
func (a *Arena) grow(min int) {
	size := a.chunkSize
	if min > size {
		size = min
	}
	a.chunks = append(a.chunks, chunk{buf: make([]byte, size)})
}

func (a *Arena) checkUsable() {
	if a.chunks == nil {
		errors.Fatal(errors.PhaseAlloc, "arena: use after Release()")
	}
	if a.invalidated {
		errors.Fatal(errors.PhaseAlloc, "arena: use after Invalidate()")
	}
}

// alignPtr aligns the offset up to pointer size alignment.
func alignPtr(off uintptr) uintptr {
	const align = unsafe.Sizeof(uintptr(0))
	mask := align - 1
	return (off + mask) & ^mask
}

// Stats describes arena usage.
type Stats struct {
	Allocated int // bytes handed out
	Reserved  int // bytes held in chunks
	Chunks    int
}

// Stats returns current usage. A released arena reports zero.
func (a *Arena) Stats() Stats {
	s := Stats{Allocated: a.allocated, Chunks: len(a.chunks)}
	for i := range a.chunks {
		s.Reserved += len(a.chunks[i].buf)
	}
	return s
}
