// Package errors provides structured error types for the wasix environment.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the failing import identity or package reference when
// one applies, plus a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLinking, errors.KindLink).
//		Import("env", "missing").
//		Detail("unsatisfied import").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.VersionConflict("coreutils@2", "1.0.0", "2.0.0")
//	err := errors.Link("env", "missing", nil)
//
// Guest termination is reported separately as an ExitError carrying the exit code.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
