package env

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasix"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/task"
)

type recorder struct {
	sigs []task.Signal
	err  error
}

func (r *recorder) handle(_ context.Context, sig task.Signal) error {
	r.sigs = append(r.sigs, sig)
	return r.err
}

func TestProcessSignals_QueuedThenIntervals(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	rec := &recorder{}
	e.SetSignalHandler(rec.handle)

	period := 10 * time.Millisecond
	e.Process().SetInterval(task.SIGALRM, period, true, 0)
	rt.clock.now.Store(int64(period))

	e.Thread().Signal(task.SIGUSR1)
	e.Thread().Signal(task.SIGTERM)
	e.Thread().Signal(task.SIGUSR2)

	reads := rt.clock.reads.Load()
	delivered, err := e.ProcessSignals(context.Background())
	if err != nil || !delivered {
		t.Fatalf("ProcessSignals = %v, %v", delivered, err)
	}

	want := []task.Signal{task.SIGUSR1, task.SIGTERM, task.SIGUSR2, task.SIGALRM}
	if diff := cmp.Diff(want, rec.sigs); diff != "" {
		t.Errorf("delivery order mismatch (-want +got):\n%s", diff)
	}
	if got := rt.clock.reads.Load() - reads; got != 1 {
		t.Errorf("clock read %d times in one pass, want 1", got)
	}
	ivs := e.Process().Intervals()
	if len(ivs) != 1 || ivs[0].LastFired != int64(period) {
		t.Errorf("interval after pass = %+v", ivs)
	}

	rec.sigs = nil
	if delivered, _ := e.ProcessSignals(context.Background()); delivered || len(rec.sigs) != 0 {
		t.Errorf("second pass delivered %v", rec.sigs)
	}
	if ivs := e.Process().Intervals(); ivs[0].LastFired != int64(period) {
		t.Errorf("last-fired advanced again to %d", ivs[0].LastFired)
	}
}

func TestProcessSignals_NoIntervalsNoClockRead(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	rec := &recorder{}
	e.SetSignalHandler(rec.handle)
	e.Thread().Signal(task.SIGCHLD)

	reads := rt.clock.reads.Load()
	if _, err := e.ProcessSignals(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rt.clock.reads.Load() != reads {
		t.Error("clock read without armed intervals")
	}
	if len(rec.sigs) != 1 {
		t.Errorf("handler calls = %d", len(rec.sigs))
	}
}

func TestProcessSignals_HandlerFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want uint32
	}{
		{name: "exit propagates", err: errors.Exit(3), want: 3},
		{name: "wrapped exit propagates", err: errors.Trap("__wasm_signal", errors.Exit(4)), want: 4},
		{name: "other failure interrupts", err: stderrors.New("boom"), want: wasix.ExitInterrupted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newTestRuntime(t, nil)
			e := newTestEnv(t, rt.Runtime)
			rec := &recorder{err: tt.err}
			e.SetSignalHandler(rec.handle)
			e.Thread().Signal(task.SIGUSR1)
			e.Thread().Signal(task.SIGUSR2)

			_, err := e.ProcessSignals(context.Background())
			code, ok := errors.AsExit(err)
			if !ok || code != tt.want {
				t.Fatalf("err = %v, want exit %d", err, tt.want)
			}
			if len(rec.sigs) != 1 {
				t.Errorf("delivery continued after failure: %v", rec.sigs)
			}
		})
	}
}

func TestProcessSignalsAndExit_Unregistered(t *testing.T) {
	rt := newTestRuntime(t, nil)

	t.Run("non-fatal dropped", func(t *testing.T) {
		e := newTestEnv(t, rt.Runtime)
		e.Thread().Signal(task.SIGUSR1)
		e.Thread().Signal(task.SIGCHLD)

		consumed, err := e.ProcessSignalsAndExit(context.Background())
		if err != nil || !consumed {
			t.Fatalf("= %v, %v", consumed, err)
		}
		if e.Thread().PendingSignals() != 0 {
			t.Error("signals not drained")
		}
		if _, ok := e.ShouldExit(); ok {
			t.Error("non-fatal signal terminated the thread")
		}
	})

	for _, sig := range []task.Signal{task.SIGINT, task.SIGQUIT, task.SIGKILL} {
		t.Run(sig.String(), func(t *testing.T) {
			e := newTestEnv(t, rt.Runtime)
			e.Thread().Signal(task.SIGUSR1)
			e.Thread().Signal(sig)

			_, err := e.ProcessSignalsAndExit(context.Background())
			if !stderrors.Is(err, errors.Exit(wasix.ExitInterrupted)) {
				t.Fatalf("err = %v", err)
			}
			if code, ok := e.Thread().TryJoin(); !ok || code != wasix.ExitInterrupted {
				t.Errorf("thread exit = %d, %v", code, ok)
			}
		})
	}
}

func TestProcessSignalsAndExit_PendingExitFirst(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	rec := &recorder{}
	e.SetSignalHandler(rec.handle)
	e.Thread().Signal(task.SIGUSR1)
	e.Process().Terminate(9)

	_, err := e.ProcessSignalsAndExit(context.Background())
	if code, ok := errors.AsExit(err); !ok || code != 9 {
		t.Fatalf("err = %v, want exit 9", err)
	}
	if len(rec.sigs) != 0 {
		t.Error("handler ran after exit")
	}
}

func TestProcessSignals_UnregisteredKeepsQueue(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	e.Thread().Signal(task.SIGUSR1)

	if delivered, err := e.ProcessSignals(context.Background()); delivered || err != nil {
		t.Fatalf("= %v, %v", delivered, err)
	}
	if e.Thread().PendingSignals() != 1 {
		t.Error("non-fatal signal consumed without a handler")
	}

	e.Thread().Signal(task.SIGKILL)
	_, _ = e.ProcessSignals(context.Background())
	if code, ok := e.ShouldExit(); !ok || code != wasix.ExitInterrupted {
		t.Errorf("ShouldExit = %d, %v", code, ok)
	}
}

func TestProcessSignals_OneShotInterval(t *testing.T) {
	rt := newTestRuntime(t, nil)
	e := newTestEnv(t, rt.Runtime)
	rec := &recorder{}
	e.SetSignalHandler(rec.handle)

	e.Process().SetInterval(task.SIGALRM, time.Millisecond, false, 0)
	rt.clock.now.Store(int64(5 * time.Millisecond))
	_, _ = e.ProcessSignals(context.Background())
	rt.clock.now.Store(int64(50 * time.Millisecond))
	_, _ = e.ProcessSignals(context.Background())

	if diff := cmp.Diff([]task.Signal{task.SIGALRM}, rec.sigs); diff != "" {
		t.Errorf("one-shot delivery mismatch (-want +got):\n%s", diff)
	}
	if e.Process().HasIntervals() {
		t.Error("one-shot interval still armed")
	}
}
