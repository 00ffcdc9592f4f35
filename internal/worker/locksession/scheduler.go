// Copyright 2025 Showrunner Media Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package locksession

import (
	"time"

	"github.com/juju/clock"
)

// renewalTimer is the renewal scheduler: a two-state machine (idle, armed)
// over a single injected timer. While armed it ticks at the renewal
// interval; the session loop issues an extend on each tick and calls Reset
// to schedule the next one. At most one timer exists per session, arming
// while armed is a no-op, and Disarm cancels the timer synchronously, so a
// tick can never fire after teardown.
type renewalTimer struct {
	clock    clock.Clock
	timer    clock.Timer
	interval time.Duration
}

// Arm starts the timer at the supplied interval. No-op if already armed.
func (t *renewalTimer) Arm(interval time.Duration) {
	if t.timer != nil {
		return
	}
	t.interval = interval
	t.timer = t.clock.NewTimer(interval)
}

// Armed reports whether the timer is running.
func (t *renewalTimer) Armed() bool {
	return t.timer != nil
}

// Chan returns the tick channel, or nil when idle. A nil channel blocks
// forever in a select, so an idle scheduler simply never fires.
func (t *renewalTimer) Chan() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.Chan()
}

// Reset schedules the next tick after one has been received. No-op when
// idle, so a tick that raced with Disarm stays cancelled.
func (t *renewalTimer) Reset() {
	if t.timer == nil {
		return
	}
	t.timer.Reset(t.interval)
}

// Disarm stops the timer. Idempotent, synchronous and unconditional.
func (t *renewalTimer) Disarm() {
	if t.timer == nil {
		return
	}
	// See the docs on Timer.Reset: a stopped timer's channel may still
	// hold a tick, which must be drained if nobody received it.
	if !t.timer.Stop() {
		select {
		case <-t.timer.Chan():
		default:
		}
	}
	t.timer = nil
	t.interval = 0
}
