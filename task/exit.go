package task

import (
	"context"
	"sync"
)

// exitStatus is a set-once exit code with a completion channel.
type exitStatus struct {
	done chan struct{}
	code uint32
	mu   sync.Mutex
	set  bool
}

func newExitStatus() *exitStatus {
	return &exitStatus{done: make(chan struct{})}
}

// store records code unless a code is already set. It reports whether code won.
func (e *exitStatus) store(code uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.set {
		return false
	}
	e.code = code
	e.set = true
	close(e.done)
	return true
}

func (e *exitStatus) load() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code, e.set
}

func (e *exitStatus) wait(ctx context.Context) (uint32, error) {
	select {
	case <-e.done:
		code, _ := e.load()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
