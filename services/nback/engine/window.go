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

import "time"

// ChannelOutcome pairs a channel with the outcome scored for it.
type ChannelOutcome struct {
	Channel Channel `json:"channel"`
	Outcome Outcome `json:"outcome"`
}

// ResponseWindow is the per-trial response state machine.
//
// # Description
//
// Each channel starts open. The first Submit on a channel closes it and
// classifies the press against the ground truth frozen at OpenWindow. Expire
// closes every remaining channel and reports a miss for each one that
// matched. A closed channel ignores everything, so a channel is scored at
// most once per trial.
//
//	        Submit (match)      → hit
//	open ──┤ Submit (no match)  → false alarm   ──► closed
//	        Expire (match)      → miss
//	        Expire (no match)   → nothing
//
// # Thread Safety
//
// NOT safe for concurrent use; the Controller synchronizes.
type ResponseWindow struct {
	trial    int
	truth    MatchResult
	openedAt time.Time
	closed   [channelCount]bool
}

// OpenWindow opens both channels for trial with frozen ground truth.
func OpenWindow(trial int, truth MatchResult, openedAt time.Time) *ResponseWindow {
	return &ResponseWindow{
		trial:    trial,
		truth:    truth,
		openedAt: openedAt,
	}
}

// Trial returns the trial index this window scores.
func (w *ResponseWindow) Trial() int {
	return w.trial
}

// Truth returns the frozen ground truth.
func (w *ResponseWindow) Truth() MatchResult {
	return w.truth
}

// OpenedAt returns the trial start time.
func (w *ResponseWindow) OpenedAt() time.Time {
	return w.openedAt
}

// IsOpen reports whether ch still accepts a response.
func (w *ResponseWindow) IsOpen(ch Channel) bool {
	return ch.Valid() && !w.closed[ch]
}

// Closed reports whether every channel is closed.
func (w *ResponseWindow) Closed() bool {
	for _, c := range w.closed {
		if !c {
			return false
		}
	}
	return true
}

// Submit records a press on ch.
//
// Outputs:
//   - Outcome: OutcomeHit or OutcomeFalseAlarm.
//   - bool: False if ch was already closed or invalid; nothing is scored.
func (w *ResponseWindow) Submit(ch Channel) (Outcome, bool) {
	if !w.IsOpen(ch) {
		return OutcomeNone, false
	}
	w.closed[ch] = true
	if w.truth.For(ch) {
		return OutcomeHit, true
	}
	return OutcomeFalseAlarm, true
}

// Expire closes all channels.
//
// Outputs:
//   - []ChannelOutcome: One OutcomeMiss per channel that was still open on a
//     matching trial. Correctly withheld responses produce no entry.
func (w *ResponseWindow) Expire() []ChannelOutcome {
	var out []ChannelOutcome
	for _, ch := range Channels {
		if w.closed[ch] {
			continue
		}
		w.closed[ch] = true
		if w.truth.For(ch) {
			out = append(out, ChannelOutcome{Channel: ch, Outcome: OutcomeMiss})
		}
	}
	return out
}
