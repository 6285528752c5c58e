package wasix

import "time"

// Clock reports monotonic time in nanoseconds.
type Clock interface {
	Nanotime() int64
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() int64

// Nanotime implements Clock.
func (f ClockFunc) Nanotime() int64 { return f() }

type monotonicClock struct {
	base time.Time
}

// MonotonicClock returns a Clock backed by the Go runtime's monotonic clock.
// Readings start near zero when the clock is created and only move forward.
func MonotonicClock() Clock {
	return &monotonicClock{base: time.Now()}
}

func (c *monotonicClock) Nanotime() int64 {
	// Offset by one so a reading is never the zero value.
	return int64(time.Since(c.base)) + 1
}

// Exit codes use the WASI errno numbering.
const (
	ExitSuccess     uint32 = 0
	ExitCanceled    uint32 = 11 // ECANCELED: cleanup without an explicit code
	ExitInterrupted uint32 = 27 // EINTR: fatal signal or failed signal handler
	ExitNoExec      uint32 = 45 // ENOEXEC: instantiation failed
)
