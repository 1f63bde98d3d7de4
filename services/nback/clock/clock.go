// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock abstracts time for the trial engine.
//
// # Description
//
// The engine never calls time.AfterFunc directly. It schedules every tick,
// response-window expiry and block pause through a Clock so that production
// code runs on wall time and tests drive the same code deterministically with
// Fake. Both keep time through github.com/jonboulle/clockwork; Fake adds
// synchronous, deadline-ordered callback firing on top of its fake clock.
//
// # Thread Safety
//
// Real and Fake are safe for concurrent use.
package clock

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing.
	//
	// Returns true if the call stopped the timer, false if the timer had
	// already fired or been stopped.
	Stop() bool
}

// Clock schedules callbacks and reports the current time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f in its own goroutine (Real) or in the caller of
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// -----------------------------------------------------------------------------
// Real
// -----------------------------------------------------------------------------

// Real is a Clock backed by clockwork's real clock.
type Real struct {
	cw clockwork.Clock
}

// New returns the wall clock.
func New() Clock {
	return Real{cw: clockwork.NewRealClock()}
}

// Now implements Clock.
func (r Real) Now() time.Time {
	return r.source().Now()
}

// AfterFunc implements Clock.
func (r Real) AfterFunc(d time.Duration, f func()) Timer {
	return r.source().AfterFunc(d, f)
}

func (r Real) source() clockwork.Clock {
	if r.cw == nil {
		return clockwork.NewRealClock()
	}
	return r.cw
}

// -----------------------------------------------------------------------------
// Fake
// -----------------------------------------------------------------------------

// Fake is a manually advanced Clock for tests.
//
// # Description
//
// Time is held by a clockwork.FakeClock. AfterFunc callbacks are kept here
// rather than handed to clockwork, whose fake runs them on new goroutines:
// Fake runs them synchronously inside Advance, in deadline order (ties in
// scheduling order). Callbacks may schedule further timers; those fire within
// the same Advance call if their deadline falls inside the advanced range.
// Channel waiters created through Clockwork fire as the time passes.
//
// # Thread Safety
//
// Safe for concurrent use. Callbacks run without the Fake's lock held.
type Fake struct {
	cw *clockwork.FakeClock

	mu      sync.Mutex
	seq     int64
	pending []*fakeTimer
}

type fakeTimer struct {
	clock *Fake
	when  time.Time
	seq   int64
	fn    func()
	done  bool
}

// NewFake returns a Fake starting at start. A zero start uses a fixed epoch.
func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{cw: clockwork.NewFakeClockAt(start)}
}

// Clockwork returns the underlying fake clock.
func (f *Fake) Clockwork() *clockwork.FakeClock {
	return f.cw
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	return f.cw.Now()
}

// AfterFunc implements Clock.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if d < 0 {
		d = 0
	}
	f.seq++
	t := &fakeTimer{
		clock: f,
		when:  f.cw.Now().Add(d),
		seq:   f.seq,
		fn:    fn,
	}
	f.pending = append(f.pending, t)
	return t
}

// Advance moves the clock forward by d, firing every timer that falls due.
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	target := f.cw.Now().Add(d)

	for {
		f.mu.Lock()
		next := f.popDueLocked(target)
		f.mu.Unlock()

		if next == nil {
			f.advanceTo(target)
			return
		}
		f.advanceTo(next.when)
		next.fn()
	}
}

// Pending returns the number of timers that have neither fired nor stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) advanceTo(t time.Time) {
	if step := t.Sub(f.cw.Now()); step > 0 {
		f.cw.Advance(step)
	}
}

// popDueLocked removes and returns the earliest timer due at or before target.
func (f *Fake) popDueLocked(target time.Time) *fakeTimer {
	if len(f.pending) == 0 {
		return nil
	}
	sort.SliceStable(f.pending, func(i, j int) bool {
		a, b := f.pending[i], f.pending[j]
		if a.when.Equal(b.when) {
			return a.seq < b.seq
		}
		return a.when.Before(b.when)
	})
	first := f.pending[0]
	if first.when.After(target) {
		return nil
	}
	f.pending = f.pending[1:]
	first.done = true
	return first
}

// Stop implements Timer.
func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()

	if t.done {
		return false
	}
	t.done = true
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return true
}
