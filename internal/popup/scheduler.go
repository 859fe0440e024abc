package popup

import "time"

// Scheduler is the execution context an Engine is confined to. AfterFunc callbacks must run on the
// same context as every other Engine call.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the callback was still pending.
	Stop() bool
}

func stopTimer(t Timer) {
	if t != nil {
		t.Stop()
	}
}
