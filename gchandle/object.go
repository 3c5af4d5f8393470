package gchandle

import "sync"

// Object is a managed object. The collector traces the references an object
// holds through Ref.
type Object struct {
	// Class names the object's managed type.
	Class string

	// Value is the native payload, if any.
	Value any

	mu   sync.Mutex
	refs []*Object
}

// New returns a managed object of the given class.
func New(class string, value any) *Object {
	return &Object{Class: class, Value: value}
}

// Ref records a managed reference from o to target.
func (o *Object) Ref(target *Object) {
	if target == nil {
		return
	}
	o.mu.Lock()
	o.refs = append(o.refs, target)
	o.mu.Unlock()
}

// Unref removes one reference from o to target.
func (o *Object) Unref(target *Object) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, r := range o.refs {
		if r == target {
			o.refs = append(o.refs[:i], o.refs[i+1:]...)
			return
		}
	}
}

// Refs returns a snapshot of the references o holds.
func (o *Object) Refs() []*Object {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.refs) == 0 {
		return nil
	}
	out := make([]*Object, len(o.refs))
	copy(out, o.refs)
	return out
}
