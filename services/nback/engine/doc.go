// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine implements the dual n-back trial engine.
//
// # Overview
//
// A run is a sequence of fixed-length blocks. Every trial presents one
// stimulus made of a grid position and a letter. For each new stimulus the
// player decides, independently per channel, whether it repeats the stimulus
// shown N trials earlier:
//
//	trial:     0    1    2    3    4
//	position:  4    7    4    2    4
//	letter:    K    Q    R    Q    T
//	2-back:    -    -    P    L    P     (P = position match, L = letter match)
//
// # Architecture
//
//	Controller (RunState, RunConfig, History)
//	├── Generator        next stimulus, uniform over positions and letters
//	├── DetectMatch      ground truth for trial i against trial i-N
//	├── ResponseWindow   per-trial, per-channel open/closed state
//	├── TimerSet         trial index → cancellable expiry timer
//	├── Tally            hits / misses / false alarms per channel
//	└── DifficultyPolicy accuracy → next N at block end
//
// The Controller drives everything from a Clock: a self-rescheduling tick
// presents trials, a per-trial timer closes the response window, and a pause
// timer separates blocks. User presses arrive through SubmitResponse.
//
// # Scoring
//
// Within one trial each channel records exactly one of hit, false alarm,
// miss, or nothing:
//
//   - press on a matching trial: hit
//   - press on a non-matching trial: false alarm
//   - no press on a matching trial when the window closes: miss
//   - no press on a non-matching trial: nothing
//
// Trials with index < N can never match and are never misses. Accuracy is
// hits / (hits + misses); false alarms are reported but do not move N.
//
// # Difficulty
//
// At the end of each block combined accuracy over both channels decides the
// next N: >= 0.75 raises it by one, < 0.55 lowers it by one (never below 1),
// anything in between keeps it.
//
// # Thread Safety
//
// Controller is safe for concurrent use. Timer callbacks, SubmitResponse and
// the control methods serialize on one mutex. Each scheduled callback carries
// the epoch it was armed in; Stop and block resets bump the epoch, so a
// callback that races its own cancellation never scores anything.
//
// Events and presenter calls are delivered after the lock is released, in
// the order they were produced. Listeners and presenters must not call
// mutating Controller methods synchronously.
//
// # Metrics
//
// Prometheus metrics (namespace "nback", subsystem "engine"):
//
//   - trials_total: trials presented
//   - outcomes_total: scored outcomes by channel and outcome
//   - blocks_total: completed blocks by difficulty decision
//   - dropped_responses_total: ignored presses by reason
//   - current_n: N of the running block
//   - run_state: current RunState as a number
//   - block_accuracy: combined accuracy per completed block
//   - reaction_seconds: hit reaction time by channel
//   - presenter_failures_total: recovered presenter and listener panics
package engine
