package arena

import "github.com/wippyai/loadctx/errors"

const (
	// DefaultCodeChunkSize is the default chunk size for code arenas.
	DefaultCodeChunkSize = 1 << 16

	// MinCodeAlign is the alignment used by Reserve.
	MinCodeAlign = 16

	// CodePoison is written over invalidated code memory.
	CodePoison byte = 0xcc
)

type codeChunk struct {
	buf []byte
	pos int
}

// Reservation is a region handed out by Reserve and finalized by Commit.
type Reservation struct {
	Buf []byte

	chunk  int
	offset int
}

// CodeArena hands out code buffers from executable-style chunks. Not
// goroutine-safe.
type CodeArena struct {
	chunks      []*codeChunk
	chunkSize   int
	used        int
	invalidated bool
	released    bool
}

// NewCode creates a CodeArena. If chunkSize <= 0, DefaultCodeChunkSize is used.
func NewCode(chunkSize int) *CodeArena {
	if chunkSize <= 0 {
		chunkSize = DefaultCodeChunkSize
	}
	return &CodeArena{chunkSize: chunkSize}
}

// Reserve returns a region of size bytes aligned to MinCodeAlign.
func (c *CodeArena) Reserve(size int) Reservation {
	return c.ReserveAlign(size, MinCodeAlign)
}

// ReserveAlign returns a region of size bytes aligned to align, which must be
// a power of two.
func (c *CodeArena) ReserveAlign(size, align int) Reservation {
	c.checkUsable()
	errors.Assert(errors.PhaseAlloc, align > 0 && align&(align-1) == 0,
		"code arena: alignment %d is not a power of two", align)
	errors.Assert(errors.PhaseAlloc, size >= 0, "code arena: negative size %d", size)

	for i, ch := range c.chunks {
		off := alignUp(ch.pos, align)
		if off+size <= len(ch.buf) {
			return c.take(i, off, size)
		}
	}

	chunkSize := c.chunkSize
	if size+align > chunkSize {
		chunkSize = size + align
	}
	c.chunks = append(c.chunks, &codeChunk{buf: make([]byte, chunkSize)})
	i := len(c.chunks) - 1
	return c.take(i, alignUp(0, align), size)
}

func (c *CodeArena) take(i, off, size int) Reservation {
	ch := c.chunks[i]
	ch.pos = off + size
	c.used += size
	return Reservation{
		Buf:    ch.buf[off : off+size : off+size],
		chunk:  i,
		offset: off,
	}
}

// Commit finalizes r to newSize bytes and returns the committed region. The
// unused tail is given back to the chunk when r is the most recent
// reservation in it.
func (c *CodeArena) Commit(r Reservation, newSize int) []byte {
	c.checkUsable()
	errors.Assert(errors.PhaseAlloc, newSize >= 0 && newSize <= len(r.Buf),
		"code arena: commit size %d exceeds reservation %d", newSize, len(r.Buf))
	if len(r.Buf) == 0 {
		return r.Buf
	}
	errors.Assert(errors.PhaseAlloc, r.chunk < len(c.chunks),
		"code arena: reservation does not belong to this arena")

	ch := c.chunks[r.chunk]
	if ch.pos == r.offset+len(r.Buf) {
		ch.pos = r.offset + newSize
		c.used -= len(r.Buf) - newSize
	}
	return r.Buf[:newSize:newSize]
}

// Foreach calls fn with the used prefix of every chunk until fn returns false.
func (c *CodeArena) Foreach(fn func(used []byte, capacity int) bool) {
	for _, ch := range c.chunks {
		if !fn(ch.buf[:ch.pos], len(ch.buf)) {
			return
		}
	}
}

// Invalidate poisons all chunks and makes the arena unusable.
func (c *CodeArena) Invalidate() {
	c.checkUsable()
	for _, ch := range c.chunks {
		for i := range ch.buf {
			ch.buf[i] = CodePoison
		}
	}
	c.invalidated = true
}

// Release drops all chunks and makes the arena unusable.
func (c *CodeArena) Release() {
	c.chunks = nil
	c.released = true
}

// Stats returns current usage.
func (c *CodeArena) Stats() Stats {
	s := Stats{Allocated: c.used, Chunks: len(c.chunks)}
	for _, ch := range c.chunks {
		s.Reserved += len(ch.buf)
	}
	return s
}

func (c *CodeArena) checkUsable() {
	if c.released {
		errors.Fatal(errors.PhaseAlloc, "code arena: use after Release()")
	}
	if c.invalidated {
		errors.Fatal(errors.PhaseAlloc, "code arena: use after Invalidate()")
	}
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
