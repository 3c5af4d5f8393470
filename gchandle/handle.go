package gchandle

import (
	"fmt"
	"sync/atomic"
)

// Kind distinguishes strong and weak handles.
type Kind uint8

const (
	Weak Kind = iota
	Strong
)

func (k Kind) String() string {
	switch k {
	case Weak:
		return "weak"
	case Strong:
		return "strong"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Handle is a tagged reference into a collector's handle table.
// The zero Handle is invalid.
//
// Layout: bit 0 is the kind, bits 1..32 the slot index plus one, bits 33..63
// the slot generation.
type Handle uint64

const (
	kindBit   = 1
	indexBits = 32
	indexMask = 1<<indexBits - 1
)

func makeHandle(index uint32, gen uint32, kind Kind) Handle {
	h := uint64(gen)<<(indexBits+1) | (uint64(index)+1)<<1
	if kind == Strong {
		h |= kindBit
	}
	return Handle(h)
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == 0 }

// Kind returns the handle's kind as encoded in the handle value.
func (h Handle) Kind() Kind {
	if h&kindBit != 0 {
		return Strong
	}
	return Weak
}

// IsStrong reports whether h is a non-zero strong handle.
func (h Handle) IsStrong() bool { return h != 0 && h.Kind() == Strong }

// IsWeak reports whether h is a non-zero weak handle.
func (h Handle) IsWeak() bool { return h != 0 && h.Kind() == Weak }

func (h Handle) index() (uint32, bool) {
	i := uint64(h) >> 1 & indexMask
	if i == 0 {
		return 0, false
	}
	return uint32(i - 1), true
}

func (h Handle) gen() uint32 {
	return uint32(uint64(h) >> (indexBits + 1))
}

func (h Handle) String() string {
	if h == 0 {
		return "handle(0)"
	}
	i, _ := h.index()
	return fmt.Sprintf("%s#%d.%d", h.Kind(), i, h.gen())
}

// Upgrade returns a new strong handle to the target of weak. It returns false
// if the target has been collected. The weak handle is not released.
func Upgrade(c Collector, weak Handle) (Handle, bool) {
	obj := c.Target(weak)
	if obj == nil {
		return 0, false
	}
	return c.NewHandle(obj, Strong), true
}

// Slot holds a handle that may be read and replaced concurrently.
type Slot struct {
	v atomic.Uint64
}

// Load returns the current handle.
func (s *Slot) Load() Handle {
	return Handle(s.v.Load())
}

// Store sets the handle without releasing the previous one.
func (s *Slot) Store(h Handle) {
	s.v.Store(uint64(h))
}

// CompareAndSwap sets the handle to h if it currently holds old.
func (s *Slot) CompareAndSwap(old, h Handle) bool {
	return s.v.CompareAndSwap(uint64(old), uint64(h))
}

// Replace installs h and releases the handle it displaced. It returns the
// displaced handle, which is no longer valid.
func (s *Slot) Replace(c Collector, h Handle) Handle {
	old := Handle(s.v.Swap(uint64(h)))
	if old != 0 {
		c.Release(old)
	}
	return old
}

// Take clears the slot and returns the handle it held. The caller owns it.
func (s *Slot) Take() Handle {
	return Handle(s.v.Swap(0))
}

// Release clears the slot and releases the handle it held, if any.
func (s *Slot) Release(c Collector) {
	if h := s.Take(); h != 0 {
		c.Release(h)
	}
}
