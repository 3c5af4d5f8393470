package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/loadctx/alc"
	"github.com/wippyai/loadctx/asmname"
	"github.com/wippyai/loadctx/config"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
	"github.com/wippyai/loadctx/internal/lockorder"
	"github.com/wippyai/loadctx/postmortem"
	"github.com/wippyai/loadctx/resolve"
	"github.com/wippyai/loadctx/wasmloader"
)

// ClassAssemblyLoadContext is the class of a context's managed wrapper.
const ClassAssemblyLoadContext = "System.Runtime.Loader.AssemblyLoadContext"

// managedRef is the managed side of a context: its wrapper and the strong
// handle managed code holds to it.
type managedRef struct {
	wrapper *gchandle.Object
	user    gchandle.Handle
}

// Runtime owns a domain and everything needed to load into it.
type Runtime struct {
	cfg       *config.Config
	collector gchandle.Collector
	domain    *alc.Domain
	loader    *wasmloader.Loader
	resolver  *resolve.Dispatcher
	store     *postmortem.Store

	mu      sync.Mutex
	managed map[*alc.LoadContext]*managedRef

	closed atomic.Bool
}

// New creates a runtime. A nil cfg uses config.Default.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.collector == nil {
		o.collector = gchandle.NewLocal()
	}
	if cfg.LockOrder.Check {
		lockorder.SetChecking(true)
	}

	r := &Runtime{
		cfg:       cfg,
		collector: o.collector,
		resolver:  resolve.New(o.methods),
		managed:   make(map[*alc.LoadContext]*managedRef),
	}

	dc := cfg.DomainConfig()
	dc.Recorder = o.recorder
	if dc.Recorder == nil && cfg.Postmortem.Dir != "" {
		store, err := postmortem.Open(cfg.Postmortem.Dir)
		if err != nil {
			o.collector.Close()
			return nil, err
		}
		r.store = store
		dc.Recorder = store
	}
	dc.OnFreed = o.onFreed

	loader, err := wasmloader.New(ctx, cfg.LoaderConfig())
	if err != nil {
		r.closeStore()
		o.collector.Close()
		return nil, err
	}
	r.loader = loader
	r.domain = alc.NewDomain(o.collector, dc)

	def := gchandle.New(ClassAssemblyLoadContext, nil)
	r.domain.BindDefaultHandle(o.collector.NewHandle(def, gchandle.Strong))

	Logger().Debug("runtime created",
		zap.Stringer("variant", r.domain.Variant()),
		zap.Bool("debug_unload", dc.DebugUnload),
		zap.Bool("postmortem", dc.Recorder != nil))
	return r, nil
}

// SetLoggers installs l as the logger of every package in the runtime.
func SetLoggers(l *zap.Logger) {
	SetLogger(l)
	alc.SetLogger(l)
	gchandle.SetLogger(l)
	resolve.SetLogger(l)
	wasmloader.SetLogger(l)
}

// Domain returns the context registry.
func (r *Runtime) Domain() *alc.Domain { return r.domain }

// Collector returns the collector.
func (r *Runtime) Collector() gchandle.Collector { return r.collector }

// Loader returns the module loader.
func (r *Runtime) Loader() *wasmloader.Loader { return r.loader }

// Resolver returns the resolution dispatcher.
func (r *Runtime) Resolver() *resolve.Dispatcher { return r.resolver }

// Postmortem returns the postmortem store, or nil when none is configured.
func (r *Runtime) Postmortem() *postmortem.Store { return r.store }

// Config returns the runtime configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Load compiles wasm into lc.
func (r *Runtime) Load(ctx context.Context, lc *alc.LoadContext, name string, wasm []byte) (*wasmloader.Assembly, error) {
	if r.closed.Load() {
		return nil, errors.Closed(errors.PhaseLoad, "runtime")
	}
	return r.loader.Load(ctx, lc, name, wasm)
}

// LoadDynamic emits a module into lc's code memory and loads it.
func (r *Runtime) LoadDynamic(ctx context.Context, lc *alc.LoadContext, name string, size int, emit func([]byte) (int, error)) (*wasmloader.Assembly, error) {
	if r.closed.Load() {
		return nil, errors.Closed(errors.PhaseLoad, "runtime")
	}
	return r.loader.LoadDynamic(ctx, lc, name, size, emit)
}

// Resolve finds an assembly for name as seen from lc. Assemblies already
// loaded into lc match by simple name and, when name has one, by version.
// Otherwise the managed fallback chain runs. It returns nil when nothing
// resolves.
func (r *Runtime) Resolve(ctx context.Context, lc *alc.LoadContext, name string) (*wasmloader.Assembly, error) {
	n, err := asmname.ParseReference(name)
	if err != nil {
		return nil, err
	}
	for _, a := range lc.Assemblies() {
		if matches(a.Name(), n) {
			if wa, ok := a.(*wasmloader.Assembly); ok {
				return wa, nil
			}
		}
	}

	found := r.resolver.ResolveChain(ctx, lc, n)
	if found == nil {
		return nil, nil
	}
	wa, ok := found.(*wasmloader.Assembly)
	if !ok {
		return nil, errors.New(errors.PhaseResolve, errors.KindInvalidData).
			Context(lc.ID().String()).
			Assembly(n.String()).
			Detail("resolved assembly is not a wasm assembly").
			Build()
	}
	return wa, nil
}

func matches(have, want asmname.Name) bool {
	if have.Name != want.Name {
		return false
	}
	return want.Version.IsZero() || have.Version.Compare(want.Version) == 0
}

// Collect runs a collection and waits for the finalizers it queued.
func (r *Runtime) Collect() {
	r.collector.Collect()
	r.collector.WaitFinalizers()
}

// Close shuts the runtime down. Contexts still loaded are abandoned.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	keep(r.loader.Close(ctx))
	keep(r.collector.Close())
	keep(r.closeStore())
	return first
}

func (r *Runtime) closeStore() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
