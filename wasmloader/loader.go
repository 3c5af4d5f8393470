// Package wasmloader loads WebAssembly modules as assemblies of a load
// context.
//
// Each assembly wraps a wazero CompiledModule and, once requested, a single
// instance of it. Closing follows the two-pass protocol load contexts drive
// at teardown: CloseExceptPools drops the context's reference and closes the
// instance, CloseFinish closes the compiled module. An assembly still
// referenced by someone else at that point finishes when its last reference
// goes away.
package wasmloader

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/asmname"
	"github.com/wippyai/loadctx/errors"
)

// Loader compiles modules into load contexts.
type Loader struct {
	runtime wazero.Runtime
	loaded  atomic.Int64
	closed  atomic.Bool
}

// New creates a loader backed by a fresh wazero runtime.
func New(ctx context.Context, cfg *Config) (*Loader, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Loader{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// Close releases the wazero runtime and every module compiled by it.
// Assemblies still loaded become unusable.
func (l *Loader) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.runtime.Close(ctx)
}

// Loaded returns the number of assemblies loaded so far.
func (l *Loader) Loaded() int64 { return l.loaded.Load() }

// Load compiles wasm and records it into lc under the display name name.
func (l *Loader) Load(ctx context.Context, lc *alc.LoadContext, name string, wasm []byte) (*Assembly, error) {
	if err := l.pin(lc); err != nil {
		return nil, err
	}
	defer lc.ReleaseLoad()

	n, err := l.prepare(lc, name)
	if err != nil {
		return nil, err
	}
	return l.compile(ctx, lc, n, wasm, false)
}

// LoadDynamic emits a module into lc's code arena and loads it from there.
// size bounds the emitted image; emit writes into the reserved buffer and
// returns the number of bytes written. Only those bytes are committed.
func (l *Loader) LoadDynamic(ctx context.Context, lc *alc.LoadContext, name string, size int, emit func(buf []byte) (int, error)) (*Assembly, error) {
	if err := l.pin(lc); err != nil {
		return nil, err
	}
	defer lc.ReleaseLoad()

	n, err := l.prepare(lc, name)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "dynamic image size must be positive")
	}

	m := lc.MemoryManager()
	r := m.CodeReserve(size)
	written, err := emit(r.Buf)
	if err != nil {
		m.CodeCommit(r, 0)
		return nil, errors.Load(n.String(), "emit", err)
	}
	if written < 0 || written > size {
		m.CodeCommit(r, 0)
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidData).
			Assembly(n.String()).
			Value(written).
			Detail("emitter wrote %d bytes into a %d byte reservation", written, size).
			Build()
	}
	image := m.CodeCommit(r, written)
	return l.compile(ctx, lc, n, image, true)
}

// pin keeps lc's memory manager alive until the load returns. Teardown
// started after the pin rejects the assembly in RecordLoaded.
func (l *Loader) pin(lc *alc.LoadContext) error {
	if l.closed.Load() {
		return errors.Closed(errors.PhaseLoad, "loader")
	}
	return lc.AcquireLoad()
}

func (l *Loader) prepare(lc *alc.LoadContext, name string) (asmname.Name, error) {
	if lc.IsUnloading() {
		return asmname.Name{}, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Context(lc.ID().String()).
			Assembly(name).
			Detail("context is %s", lc.State()).
			Build()
	}
	return asmname.ParseReference(name)
}

func (l *Loader) compile(ctx context.Context, lc *alc.LoadContext, name asmname.Name, wasm []byte, dynamic bool) (*Assembly, error) {
	compiled, err := l.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load(name.String(), "compile module", err)
	}

	a := newAssembly(l, lc.Domain().Collector(), name, compiled, dynamic)
	if err := lc.RecordLoaded(a); err != nil {
		a.discard(ctx)
		Logger().Debug("assembly discarded, context torn down during load",
			zap.Stringer("context", lc.ID()),
			zap.Stringer("assembly", name))
		return nil, err
	}
	l.loaded.Add(1)

	Logger().Debug("assembly loaded",
		zap.Stringer("context", lc.ID()),
		zap.Stringer("assembly", name),
		zap.Bool("dynamic", dynamic),
		zap.Int("exports", len(compiled.ExportedFunctions())))
	return a, nil
}
