package dfu

import "github.com/librescoot/dfu-service/pkg/events"

// Scheduler is the cooperative execution context deferred work runs on.
// *events.Queue implements it.
type Scheduler interface {
	Call(fn func()) events.Handle
	Cancel(h events.Handle) bool
}

// FlushScheduler keeps at most one flush step queued or running. It is not
// safe for concurrent use; the Service lock guards it.
type FlushScheduler struct {
	sched  Scheduler
	step   func()
	handle events.Handle

	pending bool
	full    bool
}

// NewFlushScheduler returns a scheduler posting step to sched.
func NewFlushScheduler(sched Scheduler, step func()) *FlushScheduler {
	return &FlushScheduler{sched: sched, step: step}
}

// Request posts a flush step unless one is already queued or running. It
// reports whether a new step was posted.
func (f *FlushScheduler) Request() bool {
	if f.pending {
		return false
	}
	h := f.sched.Call(f.step)
	if h == 0 {
		return false
	}
	f.handle = h
	f.pending = true
	return true
}

// RequestFull marks the flush as draining everything, padding the tail, and
// requests a step.
func (f *FlushScheduler) RequestFull() bool {
	f.full = true
	return f.Request()
}

// Done is called by the step when it finishes.
func (f *FlushScheduler) Done() {
	f.pending = false
	f.handle = 0
}

// Finish clears the full-flush mark.
func (f *FlushScheduler) Finish() { f.full = false }

// Cancel drops a queued step and the full-flush mark.
func (f *FlushScheduler) Cancel() {
	if f.pending && f.handle != 0 {
		f.sched.Cancel(f.handle)
	}
	f.pending = false
	f.full = false
	f.handle = 0
}

func (f *FlushScheduler) Pending() bool { return f.pending }
func (f *FlushScheduler) Full() bool    { return f.full }
