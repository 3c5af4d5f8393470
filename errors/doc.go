// Package errors provides structured error types for the loadctx library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the load context and assembly it concerns, a detail
// message and an optional cause.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseResolve, errors.KindStrategyFailed).
//		Context(lc.ID().String()).
//		Assembly("System.Runtime, Version=8.0.0.0").
//		Detail("resolving event threw").
//		Cause(cause).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.NotFound(errors.PhaseResolve, "strategy", "satellite")
//	err := errors.InvalidInput(errors.PhaseConfig, "unknown unload variant")
//
// Programmer errors (broken invariants) are not returned. Assert and Fatal
// panic with an *Error of KindInvariant; nothing in this library recovers them.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
