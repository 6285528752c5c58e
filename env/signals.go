package env

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/task"
)

func (e *Env) handler() (SignalHandler, bool) {
	if e.inner == nil {
		return nil, false
	}
	return e.inner.SignalHandler()
}

// ProcessSignalsAndExit is the safepoint check run before guest code resumes.
//
// Without a registered handler the queue is drained: SIGINT, SIGQUIT or
// SIGKILL terminate the thread with wasix.ExitInterrupted and the exit is
// returned, other signals are dropped. With a handler a pending exit is
// returned first, then queued signals are delivered as in ProcessSignals.
// The boolean reports whether any signal was consumed.
func (e *Env) ProcessSignalsAndExit(ctx context.Context) (bool, error) {
	if _, ok := e.handler(); !ok {
		sigs := e.thread.PopSignals()
		for _, sig := range sigs {
			if sig.Fatal() {
				e.log.Debug("fatal signal without handler", zap.Stringer("signal", sig))
				e.thread.Terminate(wasix.ExitInterrupted)
				return false, errors.Exit(wasix.ExitInterrupted)
			}
			e.log.Debug("signal dropped, no handler registered", zap.Stringer("signal", sig))
		}
		return len(sigs) > 0, nil
	}

	if code, ok := e.ShouldExit(); ok {
		return false, errors.Exit(code)
	}
	return e.ProcessSignals(ctx)
}

// ProcessSignals delivers pending signals to the registered handler.
//
// Queued signals go first in arrival order, followed by interval signals
// that are due. The clock is read once per pass, and only when intervals are
// armed. A handler error carrying an exit code is returned as that exit; any
// other handler error becomes wasix.ExitInterrupted.
//
// Without a handler, signals stay queued and a pending fatal signal only
// terminates the thread.
func (e *Env) ProcessSignals(ctx context.Context) (bool, error) {
	handler, ok := e.handler()
	if !ok {
		if e.thread.HasSignal(task.SIGINT, task.SIGQUIT, task.SIGKILL) {
			e.thread.Terminate(wasix.ExitInterrupted)
		}
		return false, nil
	}

	sigs := e.thread.PopSignals()
	if e.process.HasIntervals() {
		now := e.runtime.Clock().Nanotime()
		sigs = append(sigs, e.process.DueIntervals(now)...)
	}

	for _, sig := range sigs {
		if err := handler(ctx, sig); err != nil {
			if code, ok := errors.AsExit(err); ok {
				return false, errors.Exit(code)
			}
			e.log.Debug("signal handler failed", zap.Stringer("signal", sig), zap.Error(err))
			return false, errors.Exit(wasix.ExitInterrupted)
		}
	}
	return len(sigs) > 0, nil
}
