package task

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/wippyai/wasix/errors"
)

// Status is the lifecycle state of a thread.
type Status int32

const (
	StatusCreated Status = iota
	StatusRunning
	StatusSignaled
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusSignaled:
		return "signaled"
	case StatusTerminated:
		return "terminated"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Stack is a snapshot of a thread's guest stack, used to fork and to
// resume asyncify-suspended threads.
type Stack struct {
	// Memory is the stack region of linear memory.
	Memory []byte
	// Rewind is the asyncify rewind buffer.
	Rewind []byte
	// Pointer is the value of __stack_pointer.
	Pointer uint64
}

// Clone returns a deep copy.
func (s Stack) Clone() Stack {
	return Stack{
		Memory:  slices.Clone(s.Memory),
		Rewind:  slices.Clone(s.Rewind),
		Pointer: s.Pointer,
	}
}

// Thread is a guest thread.
type Thread struct {
	process *Process
	exit    *exitStatus
	queue   []Signal
	stack   Stack
	status  atomic.Int32
	tid     TID
	main    bool
	mu      sync.Mutex
}

func newThread(p *Process, tid TID, main bool) *Thread {
	return &Thread{process: p, exit: newExitStatus(), tid: tid, main: main}
}

// TID returns the thread identity.
func (t *Thread) TID() TID { return t.tid }

// PID returns the owning process identity.
func (t *Thread) PID() PID { return t.process.pid }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.process }

// IsMain reports whether this is the main thread of its process.
func (t *Thread) IsMain() bool { return t.main }

// Status returns the lifecycle state.
func (t *Thread) Status() Status {
	return Status(t.status.Load())
}

// SetRunning moves a created thread to running.
func (t *Thread) SetRunning() {
	t.status.CompareAndSwap(int32(StatusCreated), int32(StatusRunning))
}

// Signal queues sig. Signals to a terminated thread are dropped.
func (t *Thread) Signal(sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status() == StatusTerminated {
		return
	}
	t.queue = append(t.queue, sig)
	t.status.CompareAndSwap(int32(StatusRunning), int32(StatusSignaled))
}

// PopSignals removes and returns queued signals in arrival order.
func (t *Thread) PopSignals() []Signal {
	t.mu.Lock()
	defer t.mu.Unlock()
	sigs := t.queue
	t.queue = nil
	t.status.CompareAndSwap(int32(StatusSignaled), int32(StatusRunning))
	return sigs
}

// HasSignal reports whether any of sigs is queued.
func (t *Thread) HasSignal(sigs ...Signal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, q := range t.queue {
		if slices.Contains(sigs, q) {
			return true
		}
	}
	return false
}

// PendingSignals returns the queue length.
func (t *Thread) PendingSignals() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Terminate records code as the exit status. Only the first call has an effect.
func (t *Thread) Terminate(code uint32) {
	if t.exit.store(code) {
		t.status.Store(int32(StatusTerminated))
	}
}

// TryJoin returns the exit code once the thread has terminated.
func (t *Thread) TryJoin() (uint32, bool) {
	return t.exit.load()
}

// Join waits for the thread to terminate.
func (t *Thread) Join(ctx context.Context) (uint32, error) {
	return t.exit.wait(ctx)
}

// Stack returns a copy of the stack snapshot.
func (t *Thread) Stack() Stack {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stack.Clone()
}

// SetStack replaces the stack snapshot with a copy of s.
func (t *Thread) SetStack(s Stack) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stack = s.Clone()
}

// CopyStackFrom replaces the snapshot with a deep copy of other's.
func (t *Thread) CopyStackFrom(other *Thread) {
	t.SetStack(other.Stack())
}

func errTerminated(pid PID, code uint32) error {
	return errors.New(errors.PhaseTask, errors.KindInvalidInput).
		Detail("process %d already terminated with code %d", pid, code).
		Build()
}
