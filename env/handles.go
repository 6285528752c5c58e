package env

import (
	"context"
	"sync"

	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/task"
)

// Export names of the optional guest ABI.
const (
	ExportStart               = "_start"
	ExportInitialize          = "_initialize"
	ExportStartThread         = "_start_thread"
	ExportReact               = "_react"
	ExportWasmSignal          = "__wasm_signal"
	ExportThreadLocalDestroy  = "_thread_local_destroy"
	ExportAsyncifyStartUnwind = "asyncify_start_unwind"
	ExportAsyncifyStopUnwind  = "asyncify_stop_unwind"
	ExportAsyncifyStartRewind = "asyncify_start_rewind"
	ExportAsyncifyStopRewind  = "asyncify_stop_rewind"
	ExportAsyncifyGetState    = "asyncify_get_state"
	ExportStackPointer        = "__stack_pointer"
)

// SignalHandler delivers one signal to the guest. An error carrying an exit
// code terminates with that code; any other error interrupts the guest.
type SignalHandler func(ctx context.Context, sig task.Signal) error

// InstanceHandles is the table of optional exports of a live instance,
// populated once at bootstrap. Absent exports are nil.
type InstanceHandles struct {
	Instance engine.Instance
	Memory   engine.Memory

	Start              engine.Function
	Initialize         engine.Function
	StartThread        engine.Function
	React              engine.Function
	WasmSignal         engine.Function
	ThreadLocalDestroy engine.Function

	AsyncifyStartUnwind engine.Function
	AsyncifyStopUnwind  engine.Function
	AsyncifyStartRewind engine.Function
	AsyncifyStopRewind  engine.Function
	AsyncifyGetState    engine.Function

	StackPointer engine.Global

	signal    SignalHandler
	signalSet bool
	mu        sync.Mutex
}

// NewInstanceHandles discovers the optional exports of inst.
func NewInstanceHandles(inst engine.Instance) *InstanceHandles {
	return &InstanceHandles{
		Instance:            inst,
		Memory:              inst.Memory(),
		Start:               inst.ExportedFunction(ExportStart),
		Initialize:          inst.ExportedFunction(ExportInitialize),
		StartThread:         inst.ExportedFunction(ExportStartThread),
		React:               inst.ExportedFunction(ExportReact),
		WasmSignal:          inst.ExportedFunction(ExportWasmSignal),
		ThreadLocalDestroy:  inst.ExportedFunction(ExportThreadLocalDestroy),
		AsyncifyStartUnwind: inst.ExportedFunction(ExportAsyncifyStartUnwind),
		AsyncifyStopUnwind:  inst.ExportedFunction(ExportAsyncifyStopUnwind),
		AsyncifyStartRewind: inst.ExportedFunction(ExportAsyncifyStartRewind),
		AsyncifyStopRewind:  inst.ExportedFunction(ExportAsyncifyStopRewind),
		AsyncifyGetState:    inst.ExportedFunction(ExportAsyncifyGetState),
		StackPointer:        inst.ExportedGlobal(ExportStackPointer),
	}
}

// SetSignalHandler registers h and switches the thread to queued delivery.
func (h *InstanceHandles) SetSignalHandler(fn SignalHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signal = fn
	h.signalSet = fn != nil
}

// SignalHandler returns the registered handler and whether one is set.
func (h *InstanceHandles) SignalHandler() (SignalHandler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signal, h.signalSet
}

// guestSignalHandler calls a guest export with the signal number.
func guestSignalHandler(fn engine.Function) SignalHandler {
	return func(ctx context.Context, sig task.Signal) error {
		_, err := fn.Call(ctx, uint64(sig))
		return err
	}
}
