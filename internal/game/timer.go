// Package game holds pieces shared by the room mini-games.
package game

import (
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/generation"
)

// Timer is a cancellable delayed callback bound to a generation. Re-arming or
// stopping it invalidates the ticket handed to the previous callback, so a
// callback that already fired but has not run yet can detect it is stale.
type Timer struct {
	gen   generation.Counter
	timer *time.Timer
}

// Arm replaces any pending callback with fire after d. fire runs on the timer
// goroutine; callers are expected to hand it back to their owning goroutine and
// check the ticket there.
func (t *Timer) Arm(d time.Duration, fire func(generation.Ticket)) {
	t.Stop()
	ticket := t.gen.Advance(nil)
	t.timer = time.AfterFunc(d, func() { fire(ticket) })
}

// Stop cancels the pending callback, if any.
func (t *Timer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen.Cancel()
}

// Armed reports whether a callback is pending.
func (t *Timer) Armed() bool {
	return t.timer != nil
}
