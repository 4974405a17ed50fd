package timeline

import "time"

// Scheduler abstracts the clock and one-shot timers so the typing hold-back
// can be driven deterministically in tests instead of waiting on wall time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a cancellable scheduled task.
type Timer interface {
	Stop() bool
}

type systemScheduler struct{}

func (systemScheduler) Now() time.Time { return time.Now() }

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// SystemScheduler returns the wall-clock scheduler used outside tests.
func SystemScheduler() Scheduler { return systemScheduler{} }
