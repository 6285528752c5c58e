package task

import (
	"context"
	"sync/atomic"
)

// ThreadHandle owns a thread slot. Exactly one owner holds it at a time;
// ownership moves by passing the pointer. The slot is freed by Join or Release.
type ThreadHandle struct {
	thread   *Thread
	released atomic.Bool
}

// Thread returns the owned thread.
func (h *ThreadHandle) Thread() *Thread {
	return h.thread
}

// Join waits for the thread to terminate, then releases the handle.
func (h *ThreadHandle) Join(ctx context.Context) (uint32, error) {
	code, err := h.thread.Join(ctx)
	if err != nil {
		return 0, err
	}
	h.Release()
	return code, nil
}

// Release frees the thread slot. Releasing twice is a no-op.
func (h *ThreadHandle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	p := h.thread.process
	if p.removeThread(h.thread.tid) {
		p.cp.releaseTask()
	}
}

// Released reports whether the handle has been released.
func (h *ThreadHandle) Released() bool {
	return h.released.Load()
}
