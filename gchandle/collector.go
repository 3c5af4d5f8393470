package gchandle

// RootID identifies a registered root set.
type RootID uint64

// ScanFunc reports the objects a root set keeps alive by calling mark.
type ScanFunc func(mark func(*Object))

// Collector is the garbage collector as seen by load contexts and memory
// managers.
type Collector interface {
	// NewHandle creates a handle of the given kind to obj.
	NewHandle(obj *Object, kind Kind) Handle

	// Target returns the handle's object, or nil once a weak handle has been
	// cleared.
	Target(h Handle) *Object

	// Release frees the handle. Releasing a handle twice is an invariant
	// failure.
	Release(h Handle)

	// RegisterRoot registers a root set. The name is used for diagnostics.
	RegisterRoot(name string, scan ScanFunc) RootID

	// UnregisterRoot removes a root set registered by RegisterRoot.
	UnregisterRoot(id RootID)

	// SetFinalizer arranges for fn to run after obj becomes unreachable.
	// If fn returns false it runs again after the next collection.
	SetFinalizer(obj *Object, fn func() bool)

	// Collect runs a collection cycle.
	Collect()

	// WaitFinalizers blocks until finalizers queued so far have run.
	WaitFinalizers()

	// Close stops the collector.
	Close() error
}
