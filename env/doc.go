// Package env implements the per-thread guest environment: construction,
// fork, cleanup, signal delivery, dependency resolution and the ordered
// instantiation protocol.
//
// # Runtime
//
// A Runtime aggregates the host capabilities every environment needs: the
// engine and task manager, the control plane, the module and package caches,
// the package source and the clock. There is one Runtime per host runtime and
// it is passed explicitly; nothing in this package is global apart from the
// default logger.
//
// # Signals
//
// Signals are queued on threads and applied only at safepoints: every host
// function of the wasix_32v1 and wasix_64v1 namespaces, and the run loop.
// Until the guest registers a handler through callback_signal, SIGINT,
// SIGQUIT and SIGKILL terminate the thread with wasix.ExitInterrupted and
// other signals are dropped. Afterwards signals are delivered to the handler
// one call at a time, queued ones first, then due interval timers.
//
// # Dependencies
//
// Uses resolves package references depth-first with an explicit stack. A
// package name may appear at one version only. Package content is overlaid
// onto the sandbox root and bundled commands are installed under /bin.
//
// # Ownership
//
// An Env owns the thread handles in its OwnedHandles list. Fork returns the
// child's handle to the caller, who must join it, release it or hand it to an
// Env with AdoptHandle.
package env
