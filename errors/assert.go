package errors

import "fmt"

// Assert panics with an invariant error when cond is false.
func Assert(phase Phase, cond bool, format string, args ...any) {
	if cond {
		return
	}
	Fatal(phase, format, args...)
}

// Fatal panics with an invariant error. It is reserved for programmer errors
// such as unloading the default context or allocating from a manager that is
// being freed.
func Fatal(phase Phase, format string, args ...any) {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	panic(&Error{
		Phase:  phase,
		Kind:   KindInvariant,
		Detail: detail,
	})
}

// IsInvariant reports whether v, typically a recovered panic value, is an
// invariant failure raised by Assert or Fatal.
func IsInvariant(v any) bool {
	e, ok := v.(*Error)
	return ok && e.Kind == KindInvariant
}
