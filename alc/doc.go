// Package alc implements the load context registry and the collectible
// unload protocol.
//
// A Domain owns every LoadContext: the default context, which is never
// unloaded, and any number of individual contexts created on demand. Each
// context owns a memory manager and the list of assemblies loaded into it.
//
// # Unload Protocol
//
// Unloading a collectible context is driven by two events:
//
//	Phase A  BeginUnload, called by native code. The weak handle to the
//	         managed wrapper is replaced by a strong one and the strong handle
//	         that kept the tracker object alive is released.
//	Phase B  the collector finalizes the tracker object. The context is torn
//	         down: assemblies leave the domain index, their roots are released,
//	         dynamic assemblies close before static ones, every assembly runs
//	         the finish pass, and the memory manager is freed.
//
// State moves Live -> Unloading -> Finalizing -> Freed and never backwards.
// Teardown runs at most once per context.
//
// Two fulfilment variants exist. VariantDirect tears the context down from
// the tracker finalizer. VariantRefcounted goes through a reference counted
// LoaderAllocator and a domain sweep of allocators that reached zero; it is
// required for generic memory managers shared by several contexts.
//
// # Locking
//
// Locks follow the hierarchy in internal/lockorder: context list, context
// managers, assembly index, assembly list, memory manager, native scopes.
// Teardown runs with the context list lock held.
package alc
