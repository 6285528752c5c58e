package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseCache       Phase = "cache"       // artifact and package caches
	PhaseResolve     Phase = "resolve"     // dependency package resolution
	PhaseInstantiate Phase = "instantiate" // memory provisioning and bootstrap
	PhaseLinking     Phase = "linking"     // import resolution
	PhaseSignal      Phase = "signal"      // signal delivery
	PhaseTask        Phase = "task"        // process and thread control plane
	PhaseLoad        Phase = "load"        // module loading and compilation
	PhaseConfig      Phase = "config"      // configuration loading
	PhaseRuntime     Phase = "runtime"     // guest execution
)

// Kind categorizes the error
type Kind string

const (
	KindLink            Kind = "link"
	KindLinkTrap        Kind = "link_trap"
	KindStartTrap       Kind = "start_trap"
	KindTrap            Kind = "trap"
	KindCPUFeature      Kind = "cpu_feature"
	KindStoreMismatch   Kind = "store_mismatch"
	KindVersionConflict Kind = "version_conflict"
	KindFetch           Kind = "fetch"
	KindNotSandboxed    Kind = "not_sandboxed"
	KindTaskLimit       Kind = "task_limit"
	KindUnsupported     Kind = "unsupported"
	KindInvalidData     Kind = "invalid_data"
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindNotInitialized  Kind = "not_initialized"
	KindInstantiation   Kind = "instantiation"
	KindIO              Kind = "io"
)

// Error is the structured error type used throughout the module
type Error struct {
	Cause   error
	Phase   Phase
	Kind    Kind
	Module  string
	Name    string
	Package string
	Detail  string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Module != "" || e.Name != "" {
		b.WriteString(" at ")
		b.WriteString(e.Module)
		b.WriteByte('.')
		b.WriteString(e.Name)
	}

	if e.Package != "" {
		b.WriteString(" in package ")
		b.WriteString(e.Package)
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

// Import sets the import identity (module namespace and field name)
func (b *Builder) Import(module, name string) *Builder {
	b.err.Module = module
	b.err.Name = name
	return b
}

// Package sets the package reference
func (b *Builder) Package(ref string) *Builder {
	b.err.Package = ref
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

// Link creates an unsatisfied import error
func Link(module, name string, cause error) *Error {
	return &Error{
		Phase:  PhaseLinking,
		Kind:   KindLink,
		Module: module,
		Name:   name,
		Detail: "unsatisfied import",
		Cause:  cause,
	}
}

// LinkTrap creates an error for a trap raised while initializing segments during linking
func LinkTrap(cause error) *Error {
	return &Error{
		Phase:  PhaseLinking,
		Kind:   KindLinkTrap,
		Detail: "trap while evaluating initializers",
		Cause:  cause,
	}
}

// StartTrap creates an error for a fault in the guest start function
func StartTrap(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindStartTrap,
		Detail: "start function trapped",
		Cause:  cause,
	}
}

// Trap creates an error for a guest fault raised while running an entry point
func Trap(entry string, cause error) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindTrap,
		Detail: fmt.Sprintf("guest trapped in %s", entry),
		Cause:  cause,
	}
}

// CPUFeature creates an error for an artifact that needs host ISA extensions that are missing
func CPUFeature(missing []string) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindCPUFeature,
		Detail: fmt.Sprintf("missing required CPU features: %s", strings.Join(missing, ", ")),
	}
}

// StoreMismatch creates an error for imports built against another execution context
func StoreMismatch() *Error {
	return &Error{
		Phase:  PhaseLinking,
		Kind:   KindStoreMismatch,
		Detail: "cannot mix imports from different stores",
	}
}

// VersionConflict creates a dependency version conflict error naming both versions
func VersionConflict(ref, have, want string) *Error {
	return &Error{
		Phase:   PhaseResolve,
		Kind:    KindVersionConflict,
		Package: ref,
		Detail:  fmt.Sprintf("package version conflict: %s vs %s", have, want),
	}
}

// Fetch creates a package fetch failure error
func Fetch(ref string, cause error) *Error {
	return &Error{
		Phase:   PhaseResolve,
		Kind:    KindFetch,
		Package: ref,
		Detail:  "failed to fetch package",
		Cause:   cause,
	}
}

// NotSandboxed creates the configuration error for a non-sandboxed root filesystem
func NotSandboxed(what string) *Error {
	return &Error{
		Phase:  PhaseResolve,
		Kind:   KindNotSandboxed,
		Detail: fmt.Sprintf("cannot %s as the file system is not sandboxed", what),
	}
}

// TaskLimit creates a control plane capacity error
func TaskLimit(limit int) *Error {
	return &Error{
		Phase:  PhaseTask,
		Kind:   KindTaskLimit,
		Detail: fmt.Sprintf("maximum number of tasks reached (%d)", limit),
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

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
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

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// NotInitialized creates a not-initialized error for a missing instance
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// Instantiation wraps a failure that does not fit a more specific kind
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstantiate,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// IO creates a filesystem or network failure error
func IO(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindIO,
		Detail: detail,
		Cause:  cause,
	}
}

// ExitError reports that a guest thread or process reached a terminal exit code.
type ExitError struct {
	Code uint32
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exited with code %d", e.Code)
}

// Is reports whether target is an ExitError with the same code
func (e *ExitError) Is(target error) bool {
	t, ok := target.(*ExitError)
	return ok && t.Code == e.Code
}

// Exit creates an ExitError
func Exit(code uint32) *ExitError {
	return &ExitError{Code: code}
}

// AsExit extracts the exit code from err when it is, or wraps, an ExitError.
func AsExit(err error) (uint32, bool) {
	var exit *ExitError
	if stderrors.As(err, &exit) {
		return exit.Code, true
	}
	return 0, false
}
