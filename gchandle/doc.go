// Package gchandle provides managed objects and the collector contract that
// load contexts are built against.
//
// A Handle is a collector-aware reference to an Object. Strong handles keep
// their target alive; weak handles let the collector clear it. Every handle
// is released exactly once.
//
//	obj := gchandle.New("AssemblyLoadContext", nil)
//	weak := c.NewHandle(obj, gchandle.Weak)
//	...
//	strong, ok := gchandle.Upgrade(c, weak)
//
// # Collectors
//
// Two collectors implement the contract:
//
//	Local    deterministic tracing from strong handles and registered roots.
//	         Collect runs one cycle; finalizers run on a dedicated goroutine
//	         and WaitFinalizers blocks until the queue drains.
//	Runtime  backed by the Go garbage collector through weak pointers and
//	         runtime.AddCleanup.
//
// The Local collector is what tests and the interactive inspector use: it
// makes the point at which a tracker object becomes unreachable observable.
//
// # Finalizers
//
// SetFinalizer registers a callback that runs after its object becomes
// unreachable. A callback that returns false is re-armed and runs again after
// the next cycle.
//
// # Slots
//
// Slot holds a handle that may be replaced while other goroutines read it.
// Replace swaps in the new handle and releases the old one in a single step,
// which is how a weak proxy handle becomes strong at unload time.
package gchandle
