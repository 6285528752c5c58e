package task

import (
	"sync"

	"github.com/wippyai/wasix/errors"
)

// PID identifies a process.
type PID uint32

// TID identifies a thread within its process.
type TID uint32

// ControlPlaneConfig configures a ControlPlane.
type ControlPlaneConfig struct {
	// MaxTasks bounds live threads across all processes. 0 means unlimited.
	MaxTasks int
}

// ControlPlane allocates process identities and tracks live processes.
// One control plane serves one host runtime. Safe for concurrent use.
type ControlPlane struct {
	processes map[PID]*Process
	cfg       ControlPlaneConfig
	nextPID   PID
	tasks     int
	mu        sync.RWMutex
}

// NewControlPlane creates an empty control plane.
func NewControlPlane(cfg ControlPlaneConfig) *ControlPlane {
	return &ControlPlane{
		processes: make(map[PID]*Process),
		cfg:       cfg,
		nextPID:   1,
	}
}

// Config returns the configuration.
func (cp *ControlPlane) Config() ControlPlaneConfig {
	return cp.cfg
}

// NewProcess allocates a process with no threads.
func (cp *ControlPlane) NewProcess() (*Process, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.cfg.MaxTasks > 0 && cp.tasks >= cp.cfg.MaxTasks {
		return nil, errors.TaskLimit(cp.cfg.MaxTasks)
	}

	pid := cp.nextPID
	cp.nextPID++
	p := newProcess(cp, pid)
	cp.processes[pid] = p
	return p, nil
}

// Process looks up a live process.
func (cp *ControlPlane) Process(pid PID) (*Process, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	p, ok := cp.processes[pid]
	return p, ok
}

// ActiveTasks returns the number of allocated thread slots.
func (cp *ControlPlane) ActiveTasks() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.tasks
}

// ActiveProcesses returns the number of live processes.
func (cp *ControlPlane) ActiveProcesses() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return len(cp.processes)
}

func (cp *ControlPlane) reserveTask() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.cfg.MaxTasks > 0 && cp.tasks >= cp.cfg.MaxTasks {
		return errors.TaskLimit(cp.cfg.MaxTasks)
	}
	cp.tasks++
	return nil
}

func (cp *ControlPlane) releaseTask() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.tasks--
}

func (cp *ControlPlane) removeProcess(pid PID) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	delete(cp.processes, pid)
}
