package env

import (
	"context"
	"math"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/task"
)

// Host function namespaces, one per pointer width.
const (
	Namespace32 = "wasix_32v1"
	Namespace64 = "wasix_64v1"
)

// Errno values returned by host functions.
const (
	errnoSuccess uint32 = 0
	errnoFault   uint32 = 21
	errnoInval   uint32 = 28
	errnoPerm    uint32 = 63
	errnoSrch    uint32 = 71
)

type abi struct {
	namespace string
	ptr       engine.ValueType
}

var abis = []abi{
	{namespace: Namespace32, ptr: engine.ValueTypeI32},
	{namespace: Namespace64, ptr: engine.ValueTypeI64},
}

func (a abi) addr(v uint64) (uint32, bool) {
	if a.ptr == engine.ValueTypeI32 {
		return uint32(v), true
	}
	if v > math.MaxUint32 {
		return 0, false
	}
	return uint32(v), true
}

// DefineImports adds the process, thread and signal host functions of every
// supported interface version to imports.
func (e *Env) DefineImports(imports *engine.Imports) {
	i32 := engine.ValueTypeI32
	i64 := engine.ValueTypeI64
	for _, a := range abis {
		define := func(name string, params []engine.ValueType, results []engine.ValueType, fn func(ctx context.Context, c engine.Caller, stack []uint64) error) {
			imports.DefineFunc(a.namespace, name, engine.HostFunc{Fn: fn, Params: params, Results: results})
		}
		errno := []engine.ValueType{i32}

		define("getpid", []engine.ValueType{a.ptr}, errno, func(ctx context.Context, c engine.Caller, stack []uint64) error {
			stack[0] = uint64(writeU32(a, c, stack[0], uint32(e.PID())))
			return e.safepoint(ctx)
		})
		define("thread_id", []engine.ValueType{a.ptr}, errno, func(ctx context.Context, c engine.Caller, stack []uint64) error {
			stack[0] = uint64(writeU32(a, c, stack[0], uint32(e.TID())))
			return e.safepoint(ctx)
		})
		define("proc_raise", []engine.ValueType{i32}, errno, func(ctx context.Context, _ engine.Caller, stack []uint64) error {
			stack[0] = uint64(e.procRaise(signalArg(stack[0])))
			return e.safepoint(ctx)
		})
		define("proc_raise_interval", []engine.ValueType{i32, i64, i32}, errno, func(ctx context.Context, _ engine.Caller, stack []uint64) error {
			stack[0] = uint64(e.procRaiseInterval(signalArg(stack[0]), stack[1], uint32(stack[2]) != 0))
			return e.safepoint(ctx)
		})
		define("thread_signal", []engine.ValueType{i32, i32}, errno, func(ctx context.Context, _ engine.Caller, stack []uint64) error {
			stack[0] = uint64(e.threadSignal(task.TID(stack[0]), signalArg(stack[1])))
			return e.safepoint(ctx)
		})
		define("proc_signal", []engine.ValueType{i32, i32}, errno, func(ctx context.Context, _ engine.Caller, stack []uint64) error {
			stack[0] = uint64(e.procSignal(task.PID(stack[0]), signalArg(stack[1])))
			return e.safepoint(ctx)
		})
		define("callback_signal", []engine.ValueType{a.ptr, a.ptr}, nil, func(ctx context.Context, c engine.Caller, stack []uint64) error {
			e.callbackSignal(a, c, stack[0], stack[1])
			return e.safepoint(ctx)
		})
		define("sched_yield", nil, errno, func(ctx context.Context, _ engine.Caller, stack []uint64) error {
			runtime.Gosched()
			stack[0] = uint64(errnoSuccess)
			return e.safepoint(ctx)
		})
	}
}

// signalArg narrows a guest signal number; out-of-range values map to
// SIGNONE, which is rejected as invalid.
func signalArg(v uint64) task.Signal {
	if v > math.MaxUint8 {
		return task.SIGNONE
	}
	return task.Signal(v)
}

// safepoint refuses to resume a guest whose thread or process has exited and
// delivers pending signals.
func (e *Env) safepoint(ctx context.Context) error {
	if code, ok := e.ShouldExit(); ok {
		return errors.Exit(code)
	}
	_, err := e.ProcessSignalsAndExit(ctx)
	return err
}

func writeU32(a abi, c engine.Caller, ptr uint64, v uint32) uint32 {
	mem := c.Memory()
	off, ok := a.addr(ptr)
	if mem == nil || !ok || !mem.WriteUint32Le(off, v) {
		return errnoFault
	}
	return errnoSuccess
}

func (e *Env) procRaise(sig task.Signal) uint32 {
	if !sig.Valid() {
		return errnoInval
	}
	e.thread.Signal(sig)
	return errnoSuccess
}

func (e *Env) procRaiseInterval(sig task.Signal, ms uint64, repeat bool) uint32 {
	if !sig.Valid() {
		return errnoInval
	}
	period := time.Duration(ms) * time.Millisecond
	e.process.SetInterval(sig, period, repeat, e.runtime.Clock().Nanotime())
	return errnoSuccess
}

func (e *Env) threadSignal(tid task.TID, sig task.Signal) uint32 {
	if !sig.Valid() {
		return errnoInval
	}
	th, ok := e.process.Thread(tid)
	if !ok {
		return errnoSrch
	}
	th.Signal(sig)
	return errnoSuccess
}

func (e *Env) procSignal(pid task.PID, sig task.Signal) uint32 {
	if !sig.Valid() {
		return errnoInval
	}
	if pid != e.PID() && !e.caps.InsecureAllowAll {
		return errnoPerm
	}
	p, ok := e.runtime.ControlPlane().Process(pid)
	if !ok {
		return errnoSrch
	}
	p.Signal(sig)
	return errnoSuccess
}

func (e *Env) callbackSignal(a abi, c engine.Caller, ptr, n uint64) {
	mem := c.Memory()
	off, ok1 := a.addr(ptr)
	size, ok2 := a.addr(n)
	if mem == nil || !ok1 || !ok2 {
		e.log.Warn("callback_signal: bad name pointer")
		return
	}
	buf, ok := mem.Read(off, size)
	if !ok {
		e.log.Warn("callback_signal: name out of bounds")
		return
	}
	name := string(buf)

	if e.inner == nil || e.inner.Instance == nil {
		e.log.Warn("callback_signal before bootstrap", zap.String("name", name))
		return
	}
	fn := e.inner.Instance.ExportedFunction(name)
	if fn == nil {
		e.log.Warn("callback_signal: export not found", zap.String("name", name))
		return
	}
	e.inner.SetSignalHandler(guestSignalHandler(fn))
	e.log.Debug("signal handler registered", zap.String("name", name))
}
