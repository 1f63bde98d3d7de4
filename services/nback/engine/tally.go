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

// Tally holds the scoring counters of one block.
//
// Counters only grow; Reset starts a new block.
//
// Thread Safety: NOT safe for concurrent use; the Controller synchronizes.
// Copies returned by Controller.Tally are independent values.
type Tally struct {
	PosHits        int `json:"pos_hits"`
	PosMisses      int `json:"pos_misses"`
	PosFalseAlarms int `json:"pos_false_alarms"`
	SndHits        int `json:"snd_hits"`
	SndMisses      int `json:"snd_misses"`
	SndFalseAlarms int `json:"snd_false_alarms"`

	// PosReaction and SndReaction sum hit reaction times.
	PosReaction time.Duration `json:"pos_reaction_ns"`
	SndReaction time.Duration `json:"snd_reaction_ns"`
}

// Record increments the counter for (ch, o). OutcomeNone and invalid
// channels are ignored.
func (t *Tally) Record(ch Channel, o Outcome) {
	switch ch {
	case ChannelPosition:
		switch o {
		case OutcomeHit:
			t.PosHits++
		case OutcomeMiss:
			t.PosMisses++
		case OutcomeFalseAlarm:
			t.PosFalseAlarms++
		}
	case ChannelSound:
		switch o {
		case OutcomeHit:
			t.SndHits++
		case OutcomeMiss:
			t.SndMisses++
		case OutcomeFalseAlarm:
			t.SndFalseAlarms++
		}
	}
}

// RecordReaction adds a hit reaction time for ch.
func (t *Tally) RecordReaction(ch Channel, d time.Duration) {
	if d < 0 {
		d = 0
	}
	switch ch {
	case ChannelPosition:
		t.PosReaction += d
	case ChannelSound:
		t.SndReaction += d
	}
}

// Hits returns the hit count for ch.
func (t Tally) Hits(ch Channel) int {
	switch ch {
	case ChannelPosition:
		return t.PosHits
	case ChannelSound:
		return t.SndHits
	}
	return 0
}

// Misses returns the miss count for ch.
func (t Tally) Misses(ch Channel) int {
	switch ch {
	case ChannelPosition:
		return t.PosMisses
	case ChannelSound:
		return t.SndMisses
	}
	return 0
}

// FalseAlarms returns the false alarm count for ch.
func (t Tally) FalseAlarms(ch Channel) int {
	switch ch {
	case ChannelPosition:
		return t.PosFalseAlarms
	case ChannelSound:
		return t.SndFalseAlarms
	}
	return 0
}

// Targets returns hits + misses for ch, the number of scored matches.
func (t Tally) Targets(ch Channel) int {
	return t.Hits(ch) + t.Misses(ch)
}

// Accuracy returns hits / (hits + misses) for ch, or 0 with no targets.
func (t Tally) Accuracy(ch Channel) float64 {
	den := t.Targets(ch)
	if den == 0 {
		return 0
	}
	return float64(t.Hits(ch)) / float64(den)
}

// CombinedAccuracy returns hits / (hits + misses) over both channels, or 0
// with no targets. False alarms are excluded.
func (t Tally) CombinedAccuracy() float64 {
	hits := t.PosHits + t.SndHits
	den := hits + t.PosMisses + t.SndMisses
	if den == 0 {
		return 0
	}
	return float64(hits) / float64(den)
}

// MeanReactionTime returns the mean hit reaction time for ch.
func (t Tally) MeanReactionTime(ch Channel) time.Duration {
	hits := t.Hits(ch)
	if hits == 0 {
		return 0
	}
	switch ch {
	case ChannelPosition:
		return t.PosReaction / time.Duration(hits)
	case ChannelSound:
		return t.SndReaction / time.Duration(hits)
	}
	return 0
}

// Events returns the total number of scored outcomes.
func (t Tally) Events() int {
	return t.PosHits + t.PosMisses + t.PosFalseAlarms +
		t.SndHits + t.SndMisses + t.SndFalseAlarms
}

// Reset zeroes every counter.
func (t *Tally) Reset() {
	*t = Tally{}
}
