// Package arena implements the two allocators behind a memory manager.
//
// Arena is a chunked bump allocator for runtime metadata. Memory handed out
// by an arena lives until the arena is released or invalidated; there is no
// per-allocation free.
//
// CodeArena hands out code buffers in two steps. Reserve returns a
// generously sized region, Commit shrinks it to the bytes actually emitted so
// speculative buffer sizing does not fragment the chunk:
//
//	r := code.Reserve(4096)
//	n := emit(r.Buf)
//	body := code.Commit(r, n)
//
// Neither type is goroutine-safe. The owning memory manager serializes access
// under its own lock.
//
// # Teardown
//
// Release drops every chunk. Invalidate fills the chunks with a poison
// pattern but keeps them, so a postmortem inspection can still look at the
// memory; any further allocation from an invalidated or released arena is an
// invariant failure.
package arena
