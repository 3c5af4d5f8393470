// Package runtime wires load contexts, the module loader, the collector and
// the resolution dispatcher into one embeddable runtime.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Create a collectible context
//	lc, err := rt.NewContext(true)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Load a module into it
//	asm, err := rt.Load(ctx, lc, "Plugin, Version=1.0.0.0", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := asm.Instance(ctx)
//
//	// Unload: phase A, then let the collector run phase B
//	if err := rt.Unload(lc); err != nil {
//	    log.Fatal(err)
//	}
//	rt.Collect()
//
// # Managed Wrappers
//
// Every context created through the runtime gets a managed wrapper object,
// the counterpart of System.Runtime.Loader.AssemblyLoadContext. The runtime
// holds a strong handle to it on behalf of managed code until Unload. A
// collectible context itself only refers to the wrapper weakly until unload
// starts.
//
// # Collectors
//
// By default the runtime uses a gchandle.Local collector and Collect runs a
// full cycle and waits for finalizers. WithCollector selects another one,
// such as gchandle.Runtime, where collection follows the Go garbage
// collector.
//
// # Thread Safety
//
// Runtime is safe for concurrent use. Assembly instances are not; each
// goroutine should synchronize access to an instance externally.
package runtime
