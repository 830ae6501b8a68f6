package session

import "time"

// Timer is a pending one-shot callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type wallClock struct{}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind string

const (
	timerRetry    timerKind = "retry"
	timerBackfill timerKind = "backfill"
)

// pendingTimer remembers the state that scheduled it so any transition
// away from that state can invalidate it. The token guards against a
// timer that already fired and is sitting in the mailbox.
type pendingTimer struct {
	token uint64
	state State
	timer Timer
}
