// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "github.com/AleutianAI/DualNBack/services/nback/clock"

// TimerSet holds the response-window expiry timer of each open trial.
//
// # Description
//
// Every trial arms exactly one expiry timer under its own index. The timer
// is disarmed when the window closes early, when the next tick resolves the
// trial, and on Stop or block reset. Keeping the handles keyed by trial
// index means cancellation never depends on which closure is still alive.
//
// # Thread Safety
//
// NOT safe for concurrent use; the Controller synchronizes.
type TimerSet struct {
	timers map[int]clock.Timer
}

// NewTimerSet returns an empty set.
func NewTimerSet() *TimerSet {
	return &TimerSet{timers: make(map[int]clock.Timer)}
}

// Arm stores t under trial, stopping any timer already stored there.
func (s *TimerSet) Arm(trial int, t clock.Timer) {
	if old, ok := s.timers[trial]; ok {
		old.Stop()
	}
	s.timers[trial] = t
}

// Disarm stops and forgets the timer for trial.
//
// Returns true if a timer was stored for trial.
func (s *TimerSet) Disarm(trial int) bool {
	t, ok := s.timers[trial]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, trial)
	return true
}

// DisarmAll stops and forgets every timer and returns how many there were.
func (s *TimerSet) DisarmAll() int {
	n := len(s.timers)
	for trial, t := range s.timers {
		t.Stop()
		delete(s.timers, trial)
	}
	return n
}

// Armed reports whether trial has a stored timer.
func (s *TimerSet) Armed(trial int) bool {
	_, ok := s.timers[trial]
	return ok
}

// Len returns the number of stored timers.
func (s *TimerSet) Len() int {
	return len(s.timers)
}
