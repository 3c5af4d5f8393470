// Package memmgr implements the memory managers that back load contexts.
//
// A Manager bundles a metadata arena, a code arena, a vtable registry and
// three tables whose values are managed objects:
//
//	reflection types      type name -> RuntimeType object
//	reflection objects    (item, class) -> reflection object plus native record
//	type init exceptions  type name -> exception object
//
// Each table is registered with the collector as a root set, so the objects
// it holds stay alive for as long as the manager does.
//
// A singleton manager belongs to one load context. A generic manager is
// shared by every context in its owner set and is reference counted: each
// owner holds one reference and the manager is deleted when the last one is
// released.
//
// # Locking
//
// The manager lock sits at lockorder.MemoryManager. Callers holding context
// or domain locks may take it; code holding it takes no other hierarchy
// lock. The NoLock variants exist for call sites that already hold it.
//
// # Teardown
//
// Delete marks the manager as freeing before touching anything, so a racing
// allocation fails its invariant check instead of reaching a released arena.
package memmgr
