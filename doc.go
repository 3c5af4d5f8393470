// Package loadctx provides the isolation and lifetime layer of a managed code
// runtime: load contexts that partition loaded assemblies into independently
// unloadable units, and the memory managers that back them.
//
// The hard part is coordinating two lifetime systems. Native state is
// reference counted and torn down deterministically; managed state is owned
// by a garbage collector that decides on its own schedule when nothing refers
// to it any more. A collectible load context is torn down exactly once, after
// native code has asked for the unload and after the collector has confirmed
// that the managed side is gone.
//
// # Architecture Overview
//
//	loadctx/             Root package with the Assembly loader contract
//	├── alc/             Domain registry, load contexts, unload protocol
//	├── memmgr/          Memory managers: arenas, code arenas, GC-rooted tables
//	├── arena/           Bump allocator and reserve/commit code arena
//	├── gchandle/        Managed objects, strong/weak handles, collectors
//	├── resolve/         Assembly name resolution dispatcher
//	├── asmname/         Assembly display names
//	├── wasmloader/      wazero-backed assemblies
//	├── postmortem/      Retained teardown records (debug unload)
//	├── config/          TOML configuration
//	├── runtime/         Facade wiring the pieces together
//	├── internal/        Lock hierarchy checking
//	├── cmd/alcrun/      CLI and interactive inspector
//	└── errors/          Structured error types and invariant assertions
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	lc, err := rt.NewContext(true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	asm, err := rt.Load(ctx, lc, "Plugin", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	_ = asm
//
//	// Phase A: native unload request.
//	if err := rt.Unload(lc); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Phase B: the collector finalizes the tracker and the context is freed.
//	rt.Collect()
//
// # Unload Protocol
//
// A collectible context moves through Live, Unloading, Finalizing and Freed.
// BeginUnload swaps the weak handle to the managed wrapper for a strong one
// and drops the strong handle that kept the tracker object alive. When the
// collector finalizes the tracker, the context's assemblies are closed in a
// fixed order and its memory manager is released.
//
// # Lock Hierarchy
//
// Locks are always taken in this order:
//
//	1. domain context list
//	2. domain assembly index
//	3. context assembly list
//	4. memory manager
//	5. context native library cache (leaf)
//
// Enable checking with lockorder.SetChecking(true) to turn violations into
// invariant panics.
package loadctx
