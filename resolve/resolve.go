// Package resolve dispatches assembly name resolution to managed strategies.
//
// When a load context cannot satisfy a load by itself, the loader asks the
// managed side. Three strategies exist: the context's Load override, the
// Resolving event, and satellite resource resolution. Each is a managed
// method that receives the context's managed handle and the display name of
// the requested assembly.
//
// Strategies run arbitrary user code. A failure in one strategy must not stop
// the loader from trying the next, so the NoFail variants log failures and
// report no result.
package resolve

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/loadctx"
	"github.com/wippyai/loadctx/asmname"
	"github.com/wippyai/loadctx/errors"
	"github.com/wippyai/loadctx/gchandle"
)

// Strategy selects a managed resolution method.
type Strategy int

const (
	// StrategyLoad invokes the context's Load override.
	StrategyLoad Strategy = iota

	// StrategyResolvingEvent raises the context's Resolving event.
	StrategyResolvingEvent

	// StrategySatellite resolves a satellite resource assembly.
	StrategySatellite
)

func (s Strategy) String() string {
	switch s {
	case StrategyLoad:
		return "Load"
	case StrategyResolvingEvent:
		return "Resolving"
	case StrategySatellite:
		return "ResolveSatelliteAssembly"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ManagedMethod is a managed resolution method. It returns nil when it has
// no assembly for name.
type ManagedMethod func(ctx context.Context, alc gchandle.Handle, name string) (loadctx.Assembly, error)

// Methods are the managed methods behind each strategy.
type Methods struct {
	Load           ManagedMethod
	ResolvingEvent ManagedMethod
	Satellite      ManagedMethod
}

// Context is the load context a resolution runs against.
type Context interface {
	ID() uuid.UUID
	Handle() gchandle.Handle
}

// Dispatcher invokes managed resolution strategies.
type Dispatcher struct {
	methods Methods
	noExec  atomic.Bool
}

// New creates a dispatcher. Nil methods are reported as not found.
func New(methods Methods) *Dispatcher {
	return &Dispatcher{methods: methods}
}

// SetNoExec marks the runtime as not executing managed code. While set,
// every resolution returns no result without invoking anything.
func (d *Dispatcher) SetNoExec(v bool) {
	d.noExec.Store(v)
}

func (d *Dispatcher) method(s Strategy) ManagedMethod {
	switch s {
	case StrategyLoad:
		return d.methods.Load
	case StrategyResolvingEvent:
		return d.methods.ResolvingEvent
	case StrategySatellite:
		return d.methods.Satellite
	default:
		return nil
	}
}

// Resolve invokes strategy s for name in lc.
func (d *Dispatcher) Resolve(ctx context.Context, s Strategy, lc Context, name asmname.Name) (loadctx.Assembly, error) {
	if d.noExec.Load() {
		return nil, nil
	}

	m := d.method(s)
	if m == nil {
		return nil, errors.NotFound(errors.PhaseResolve, "strategy", s.String())
	}

	display := name.String()
	if err := ctx.Err(); err != nil {
		return nil, d.failed(s, lc, display, err)
	}

	asm, err := invoke(ctx, m, lc.Handle(), display)
	if err != nil {
		return nil, d.failed(s, lc, display, err)
	}
	return asm, nil
}

func (d *Dispatcher) failed(s Strategy, lc Context, display string, cause error) *errors.Error {
	err := errors.StrategyFailed(s.String(), display, cause)
	err.Context = lc.ID().String()
	return err
}

// invoke calls m and turns a panic in managed code into an error.
func invoke(ctx context.Context, m ManagedMethod, h gchandle.Handle, name string) (asm loadctx.Assembly, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
			asm = nil
		}
	}()
	return m(ctx, h, name)
}

// ResolveNoFail is Resolve with failures logged at debug level and reported
// as no result.
func (d *Dispatcher) ResolveNoFail(ctx context.Context, s Strategy, lc Context, name asmname.Name) loadctx.Assembly {
	asm, err := d.Resolve(ctx, s, lc, name)
	if err != nil {
		Logger().Debug(fmt.Sprintf("Error while invoking ALC %s(%q)", s, name.Name),
			zap.Stringer("context", lc.ID()),
			zap.Error(err))
		return nil
	}
	return asm
}

// ResolveChain runs the loader's fallback chain: the Load override, then
// satellite resolution when name has a culture, then the Resolving event.
// The first strategy with a result wins.
func (d *Dispatcher) ResolveChain(ctx context.Context, lc Context, name asmname.Name) loadctx.Assembly {
	if asm := d.ResolveNoFail(ctx, StrategyLoad, lc, name); asm != nil {
		return asm
	}
	if name.HasCulture() {
		if asm := d.ResolveNoFail(ctx, StrategySatellite, lc, name); asm != nil {
			return asm
		}
	}
	return d.ResolveNoFail(ctx, StrategyResolvingEvent, lc, name)
}
