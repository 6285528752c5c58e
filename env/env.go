package env

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasix/engine"
	"github.com/wippyai/wasix/errors"
	"github.com/wippyai/wasix/task"
)

// DefaultStackSize is the stack base used when Init leaves it unset.
const DefaultStackSize = 1 << 20

// Capabilities restrict what a guest may do beyond its own process.
type Capabilities struct {
	// InsecureAllowAll lets the guest signal any process of the control plane.
	InsecureAllowAll bool
}

// Init describes an environment to construct.
type Init struct {
	Runtime *Runtime

	// State defaults to NewState(Name).
	State *State
	Name  string

	// Process and Thread attach the environment to an existing task. When
	// Process is nil a new process is allocated; when Thread is nil a new
	// thread is allocated and owned by the environment.
	Process *task.Process
	Thread  *task.ThreadHandle

	// Bins is shared with the parent when set.
	Bins *BinFactory

	Capabilities Capabilities

	// SpawnType overrides memory provisioning.
	SpawnType *engine.SpawnType

	// Imports carries extra definitions and initializers. It must be built
	// against the store the environment is instantiated in.
	Imports *engine.Imports

	// Uses lists package references resolved before linking.
	Uses []string

	// MapCommands maps command names to host files installed under /bin.
	MapCommands map[string]string

	// CallInitialize runs _initialize after bootstrap.
	CallInitialize bool

	StackBase  uint64
	StackStart uint64
}

// Env is the environment of one guest thread: its task identities, system
// state, command table and instance handles. An Env belongs to the goroutine
// running its thread.
type Env struct {
	runtime *Runtime
	process *task.Process
	thread  *task.Thread
	state   *State
	bins    *BinFactory
	inner   *InstanceHandles
	caps    Capabilities
	log     *zap.Logger
	owned   []*task.ThreadHandle

	stackBase  uint64
	stackStart uint64

	cleanup sync.Once
	mu      sync.Mutex
}

// New constructs an environment without instantiating a module.
func New(init Init) (*Env, error) {
	rt := init.Runtime
	if rt == nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, "environment requires a runtime")
	}

	proc := init.Process
	if proc == nil {
		p, err := rt.ControlPlane().NewProcess()
		if err != nil {
			return nil, err
		}
		proc = p
	}

	var owned []*task.ThreadHandle
	handle := init.Thread
	if handle == nil {
		h, err := proc.NewThread()
		if err != nil {
			if init.Process == nil {
				proc.Terminate(0)
			}
			return nil, err
		}
		handle = h
		owned = append(owned, h)
	}

	state := init.State
	if state == nil {
		state = NewState(init.Name)
	}
	bins := init.Bins
	if bins == nil {
		bins = NewBinFactory()
	}
	stackBase := init.StackBase
	if stackBase == 0 {
		stackBase = DefaultStackSize
	}

	th := handle.Thread()
	return &Env{
		runtime:    rt,
		process:    proc,
		thread:     th,
		state:      state,
		bins:       bins,
		caps:       init.Capabilities,
		log:        rt.Logger().With(zap.Uint32("pid", uint32(proc.PID())), zap.Uint32("tid", uint32(th.TID()))),
		owned:      owned,
		stackBase:  stackBase,
		stackStart: init.StackStart,
	}, nil
}

// Fork allocates a new process and main thread, copies the calling thread's
// stack snapshot into it and clones the system state. The returned handle
// keeps the child thread alive and must be joined or released by the caller.
func (e *Env) Fork() (*Env, *task.ThreadHandle, error) {
	proc, err := e.runtime.ControlPlane().NewProcess()
	if err != nil {
		return nil, nil, err
	}
	handle, err := proc.NewThread()
	if err != nil {
		proc.Terminate(0)
		return nil, nil, err
	}

	th := handle.Thread()
	th.CopyStackFrom(e.thread)

	state, err := e.state.CloneForFork()
	if err != nil {
		handle.Release()
		proc.Terminate(0)
		return nil, nil, errors.IO(errors.PhaseTask, "clone state for fork", err)
	}

	child := &Env{
		runtime:    e.runtime,
		process:    proc,
		thread:     th,
		state:      state,
		bins:       e.bins,
		caps:       e.caps,
		log:        e.runtime.Logger().With(zap.Uint32("pid", uint32(proc.PID())), zap.Uint32("tid", uint32(th.TID()))),
		stackBase:  e.stackBase,
		stackStart: e.stackStart,
	}
	e.log.Debug("forked", zap.Uint32("child_pid", uint32(proc.PID())))
	return child, handle, nil
}

// PID returns the process identity.
func (e *Env) PID() task.PID { return e.process.PID() }

// TID returns the identity of the environment's thread.
func (e *Env) TID() task.TID { return e.thread.TID() }

// Runtime returns the host capabilities the environment was built with.
func (e *Env) Runtime() *Runtime { return e.runtime }

// Process returns the process the environment belongs to.
func (e *Env) Process() *task.Process { return e.process }

// Thread returns the environment's thread.
func (e *Env) Thread() *task.Thread { return e.thread }

// State returns the args, environment variables and filesystem of the guest.
func (e *Env) State() *State { return e.state }

// Bins returns the command table, shared with forks and spawned children.
func (e *Env) Bins() *BinFactory { return e.bins }

// Capabilities returns the permissions granted to the guest.
func (e *Env) Capabilities() Capabilities { return e.caps }

// StackBase returns the upper bound of the guest stack region.
func (e *Env) StackBase() uint64 { return e.stackBase }

// StackStart returns the lower bound of the guest stack region.
func (e *Env) StackStart() uint64 { return e.stackStart }

// Inner returns the instance handles, or nil before instantiation.
func (e *Env) Inner() *InstanceHandles {
	return e.inner
}

// Memory returns the guest memory, or nil before instantiation.
func (e *Env) Memory() engine.Memory {
	if e.inner == nil {
		return nil
	}
	return e.inner.Memory
}

// SetSignalHandler registers a host-side handler for the thread.
func (e *Env) SetSignalHandler(fn SignalHandler) {
	if e.inner == nil {
		e.inner = &InstanceHandles{}
	}
	e.inner.SetSignalHandler(fn)
}

// ActiveThreads returns the number of live threads in the process.
func (e *Env) ActiveThreads() int {
	return e.process.ActiveThreads()
}

// ShouldExit returns the terminal exit code once the thread or its process
// has terminated. It must be consulted before resuming guest code.
func (e *Env) ShouldExit() (uint32, bool) {
	if code, ok := e.thread.TryJoin(); ok {
		return code, true
	}
	return e.process.TryJoin()
}

// OwnedHandles returns the thread handles this environment keeps alive.
func (e *Env) OwnedHandles() []*task.ThreadHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.owned)
}

// AdoptHandle transfers ownership of h to the environment.
func (e *Env) AdoptHandle(h *task.ThreadHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owned = append(e.owned, h)
}

// TakeHandle transfers ownership of the handle for tid to the caller.
func (e *Env) TakeHandle(tid task.TID) (*task.ThreadHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range e.owned {
		if h.Thread().TID() == tid {
			e.owned = slices.Delete(e.owned, i, i+1)
			return h, true
		}
	}
	return nil, false
}

// Cleanup tears the environment down once. On the main thread it closes the
// open files, raises SIGQUIT on every thread and terminates the process with
// code; on other threads it terminates only the thread. Owned handles are
// released afterwards. Callers without an explicit exit code pass
// wasix.ExitCanceled.
func (e *Env) Cleanup(code uint32) {
	e.cleanup.Do(func() {
		if e.thread.IsMain() {
			e.log.Debug("cleaning up open file handles")
			if e.state.Files != nil {
				if err := e.state.Files.CloseAll(); err != nil {
					e.log.Debug("close files", zap.Error(err))
				}
			}
			e.process.Signal(task.SIGQUIT)
			e.process.Terminate(code)
		} else {
			e.thread.Terminate(code)
		}

		e.mu.Lock()
		owned := e.owned
		e.owned = nil
		e.mu.Unlock()
		for _, h := range owned {
			h.Release()
		}
	})
}
