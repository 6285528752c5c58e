package task

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SignalInterval raises Signal every Period, or once when Repeat is false.
type SignalInterval struct {
	Signal    Signal
	Period    time.Duration
	LastFired int64
	Repeat    bool
}

// Process is a guest process: a thread table, interval timers and an exit status.
type Process struct {
	cp        *ControlPlane
	exit      *exitStatus
	threads   map[TID]*Thread
	intervals map[Signal]*SignalInterval
	pid       PID
	nextTID   TID
	mainTID   TID
	mu        sync.Mutex
	inited    atomic.Bool
}

func newProcess(cp *ControlPlane, pid PID) *Process {
	return &Process{
		cp:        cp,
		exit:      newExitStatus(),
		threads:   make(map[TID]*Thread),
		intervals: make(map[Signal]*SignalInterval),
		pid:       pid,
		nextTID:   1,
	}
}

// PID returns the process identity.
func (p *Process) PID() PID {
	return p.pid
}

// NewThread allocates a thread. The first thread of a process is its main thread.
func (p *Process) NewThread() (*ThreadHandle, error) {
	if code, ok := p.exit.load(); ok {
		return nil, errTerminated(p.pid, code)
	}
	if err := p.cp.reserveTask(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tid := p.nextTID
	p.nextTID++
	if p.mainTID == 0 {
		p.mainTID = tid
	}
	t := newThread(p, tid, tid == p.mainTID)
	p.threads[tid] = t
	return &ThreadHandle{thread: t}, nil
}

// MainTID returns the main thread identity, or 0 before the first thread.
func (p *Process) MainTID() TID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainTID
}

// Thread looks up a live thread.
func (p *Process) Thread(tid TID) (*Thread, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.threads[tid]
	return t, ok
}

// ActiveThreads returns the number of allocated threads.
func (p *Process) ActiveThreads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

func (p *Process) snapshot() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tid < out[j].tid })
	return out
}

// Signal queues sig on every thread of the process.
func (p *Process) Signal(sig Signal) {
	for _, t := range p.snapshot() {
		t.Signal(sig)
	}
}

// Terminate records code as the process exit status and terminates every
// thread with it. Only the first call has an effect.
func (p *Process) Terminate(code uint32) {
	if !p.exit.store(code) {
		return
	}
	for _, t := range p.snapshot() {
		t.Terminate(code)
	}
	p.cp.removeProcess(p.pid)
}

// MarkInitialized records that the process module ran its initializer.
// It reports whether this call was the first.
func (p *Process) MarkInitialized() bool {
	return p.inited.CompareAndSwap(false, true)
}

// Initialized reports whether MarkInitialized has been called.
func (p *Process) Initialized() bool {
	return p.inited.Load()
}

// TryJoin returns the exit code once the process has terminated.
func (p *Process) TryJoin() (uint32, bool) {
	return p.exit.load()
}

// Join waits for the process to terminate.
func (p *Process) Join(ctx context.Context) (uint32, error) {
	return p.exit.wait(ctx)
}

// SetInterval arms sig to fire every period starting at now. A zero period
// clears it.
func (p *Process) SetInterval(sig Signal, period time.Duration, repeat bool, now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if period <= 0 {
		delete(p.intervals, sig)
		return
	}
	p.intervals[sig] = &SignalInterval{Signal: sig, Period: period, LastFired: now, Repeat: repeat}
}

// ClearInterval disarms sig.
func (p *Process) ClearInterval(sig Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.intervals, sig)
}

// HasIntervals reports whether any interval is armed.
func (p *Process) HasIntervals() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.intervals) > 0
}

// Intervals returns a copy of the armed intervals ordered by signal.
func (p *Process) Intervals() []SignalInterval {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SignalInterval, 0, len(p.intervals))
	for _, iv := range p.intervals {
		out = append(out, *iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signal < out[j].Signal })
	return out
}

// DueIntervals returns the signals whose period has elapsed at now, ordered
// by signal. Each returned interval has its last-fired time set to now before
// this returns; one-shot intervals are disarmed.
func (p *Process) DueIntervals(now int64) []Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []Signal
	for sig, iv := range p.intervals {
		if now-iv.LastFired < int64(iv.Period) {
			continue
		}
		iv.LastFired = now
		due = append(due, sig)
		if !iv.Repeat {
			delete(p.intervals, sig)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i] < due[j] })
	return due
}

func (p *Process) removeThread(tid TID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.threads[tid]; !ok {
		return false
	}
	delete(p.threads, tid)
	return true
}
