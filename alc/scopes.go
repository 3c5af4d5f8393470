package alc

import (
	"github.com/wippyai/loadctx/internal/lockorder"
)

// NativeLibrary is an opened native library handle.
type NativeLibrary any

// nativeScopes caches native libraries by name. It has its own leaf lock.
type nativeScopes struct {
	mu   *lockorder.Mutex
	libs map[string]NativeLibrary
}

func newNativeScopes() nativeScopes {
	return nativeScopes{
		mu:   lockorder.NewMutex(lockorder.NativeScopes),
		libs: make(map[string]NativeLibrary),
	}
}

func (s *nativeScopes) destroy() {
	s.mu.Lock()
	s.libs = nil
	s.mu.Unlock()
}

// NativeScope returns the cached library for name.
func (lc *LoadContext) NativeScope(name string) (NativeLibrary, bool) {
	s := &lc.scopes
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libs[name]
	return lib, ok
}

// AddNativeScope caches lib under name unless another library got there
// first, and returns the cached library.
func (lc *LoadContext) AddNativeScope(name string, lib NativeLibrary) NativeLibrary {
	s := &lc.scopes
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.libs == nil {
		return lib
	}
	if prev, ok := s.libs[name]; ok {
		return prev
	}
	s.libs[name] = lib
	return lib
}

// OpenNativeScope returns the cached library for name, opening it with open
// on a miss. open runs without the cache lock; when two callers race, the
// first insert wins and the loser's handle is returned to closeLoser if it is
// not nil.
func (lc *LoadContext) OpenNativeScope(name string, open func(string) (NativeLibrary, error), closeLoser func(NativeLibrary)) (NativeLibrary, error) {
	if lib, ok := lc.NativeScope(name); ok {
		return lib, nil
	}
	lib, err := open(name)
	if err != nil {
		return nil, err
	}
	got := lc.AddNativeScope(name, lib)
	if closeLoser != nil && got != lib {
		closeLoser(lib)
	}
	return got, nil
}

// NativeScopes returns the number of cached libraries.
func (lc *LoadContext) NativeScopes() int {
	s := &lc.scopes
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.libs)
}
