package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseInit       Phase = "init"       // context and manager creation
	PhaseLoad       Phase = "load"       // assembly loading
	PhaseUnload     Phase = "unload"     // begin-unload request
	PhaseTeardown   Phase = "teardown"   // finalization driven close sequence
	PhaseResolve    Phase = "resolve"    // assembly name resolution
	PhaseAlloc      Phase = "alloc"      // arena and code arena allocation
	PhaseCollect    Phase = "collect"    // collector handles, roots and finalizers
	PhaseConfig     Phase = "config"     // configuration loading
	PhasePostmortem Phase = "postmortem" // retained teardown records
	PhaseLock       Phase = "lock"       // lock hierarchy checks
)

// Kind categorizes the error
type Kind string

const (
	KindInvariant      Kind = "invariant"
	KindNotFound       Kind = "not_found"
	KindInvalidInput   Kind = "invalid_input"
	KindUnsupported    Kind = "unsupported"
	KindNotExecuting   Kind = "not_executing"
	KindStrategyFailed Kind = "strategy_failed"
	KindClosed         Kind = "closed"
	KindAllocation     Kind = "allocation"
	KindInvalidData    Kind = "invalid_data"
	KindIO             Kind = "io"
)

// Error is the structured error type used throughout the library
type Error struct {
	Value    any
	Cause    error
	Phase    Phase
	Kind     Kind
	Context  string
	Assembly string
	Detail   string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Context != "" || e.Assembly != "" {
		b.WriteString(" (")
		if e.Context != "" {
			b.WriteString("context ")
			b.WriteString(e.Context)
		}
		if e.Assembly != "" {
			if e.Context != "" {
				b.WriteString(", ")
			}
			b.WriteString("assembly ")
			b.WriteString(e.Assembly)
		}
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Context sets the load context the error concerns
func (b *Builder) Context(id string) *Builder {
	b.err.Context = id
	return b
}

// Assembly sets the assembly display name the error concerns
func (b *Builder) Assembly(name string) *Builder {
	b.err.Assembly = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotExecuting reports that the runtime is not executing managed code
func NotExecuting(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotExecuting,
		Detail: "runtime is not executing managed code",
	}
}

// StrategyFailed wraps a failure raised by a managed resolution strategy
func StrategyFailed(strategy, assembly string, cause error) *Error {
	return &Error{
		Phase:    PhaseResolve,
		Kind:     KindStrategyFailed,
		Assembly: assembly,
		Detail:   fmt.Sprintf("invoke %s", strategy),
		Cause:    cause,
	}
}

// Closed creates an error for operations on a closed component
func Closed(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s closed", component),
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// Load creates an assembly loading error
func Load(assembly, detail string, cause error) *Error {
	return &Error{
		Phase:    PhaseLoad,
		Kind:     KindInvalidData,
		Assembly: assembly,
		Detail:   detail,
		Cause:    cause,
	}
}

// IO creates an error for failed storage operations
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}
