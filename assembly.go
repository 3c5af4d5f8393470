package loadctx

import "github.com/wippyai/loadctx/asmname"

// Assembly is the loader's view of a loaded assembly. The loader owns its
// representation; load contexts only drive its lifetime.
//
// Reference counts are atomic. A live assembly recorded into a context that is
// not unloading holds at least two references: one for the domain assembly
// index and one for the context.
type Assembly interface {
	// Name returns the assembly's identity.
	Name() asmname.Name

	// IsDynamic reports whether the assembly's image was emitted at runtime.
	// Dynamic assemblies are closed before static ones.
	IsDynamic() bool

	// AddRef increments the reference count. The count must be positive.
	AddRef() int32

	// Decref decrements the reference count and returns the new value.
	Decref() int32

	// RefCount returns the current reference count.
	RefCount() int32

	// ReleaseGCRoots unregisters the assembly's collector roots.
	ReleaseGCRoots()

	// CloseExceptPools drops a reference and closes everything except the
	// image pools. It reports true when the assembly is still referenced and
	// could not be closed yet.
	CloseExceptPools() (stillReferenced bool)

	// CloseFinish is the second close pass. Assemblies that were still
	// referenced finish when their last reference goes away.
	CloseFinish()
}
