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

import (
	"fmt"
	"time"
)

// Decision is the difficulty change made at the end of a block.
type Decision int

const (
	// DecisionHold keeps N.
	DecisionHold Decision = iota

	// DecisionAdvance raises N by one.
	DecisionAdvance

	// DecisionRetreat lowers N by one.
	DecisionRetreat
)

// String returns the string representation of the decision.
func (d Decision) String() string {
	switch d {
	case DecisionHold:
		return "hold"
	case DecisionAdvance:
		return "advance"
	case DecisionRetreat:
		return "retreat"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Decision) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Decision) UnmarshalText(text []byte) error {
	switch string(text) {
	case "hold":
		*d = DecisionHold
	case "advance":
		*d = DecisionAdvance
	case "retreat":
		*d = DecisionRetreat
	default:
		return fmt.Errorf("unknown decision %q", text)
	}
	return nil
}

// DifficultyPolicy maps block accuracy to the next N.
type DifficultyPolicy struct {
	// RaiseThreshold: accuracy >= RaiseThreshold advances N. Default: 0.75.
	RaiseThreshold float64

	// LowerThreshold: accuracy < LowerThreshold retreats N. Default: 0.55.
	LowerThreshold float64

	// MinN is the floor for N. Default: 1.
	MinN int

	// MaxN is the ceiling for N. Default: MaxN.
	MaxN int
}

// DefaultDifficultyPolicy returns the fixed thresholds 0.75 / 0.55.
func DefaultDifficultyPolicy() DifficultyPolicy {
	return DifficultyPolicy{
		RaiseThreshold: 0.75,
		LowerThreshold: 0.55,
		MinN:           MinN,
		MaxN:           MaxN,
	}
}

// ApplyDefaults fills in zero values.
func (p *DifficultyPolicy) ApplyDefaults() {
	def := DefaultDifficultyPolicy()
	if p.RaiseThreshold == 0 {
		p.RaiseThreshold = def.RaiseThreshold
	}
	if p.LowerThreshold == 0 {
		p.LowerThreshold = def.LowerThreshold
	}
	if p.MinN < MinN {
		p.MinN = MinN
	}
	if p.MaxN == 0 || p.MaxN > MaxN {
		p.MaxN = MaxN
	}
	if p.MaxN < p.MinN {
		p.MaxN = p.MinN
	}
}

// Next returns the N for the following block.
//
// Inputs:
//   - n: N of the block that just ended.
//   - accuracy: Combined accuracy of that block.
//
// Outputs:
//   - int: Next N, within [MinN, MaxN].
//   - Decision: DecisionHold whenever the returned N equals n.
func (p DifficultyPolicy) Next(n int, accuracy float64) (int, Decision) {
	p.ApplyDefaults()
	n = clampInt(n, p.MinN, p.MaxN)

	next := n
	switch {
	case accuracy >= p.RaiseThreshold:
		next = min(n+1, p.MaxN)
	case accuracy < p.LowerThreshold:
		next = max(p.MinN, n-1)
	}

	switch {
	case next > n:
		return next, DecisionAdvance
	case next < n:
		return next, DecisionRetreat
	default:
		return next, DecisionHold
	}
}

// BlockResult summarizes one completed block.
type BlockResult struct {
	SessionID string    `json:"session_id"`
	Block     int       `json:"block"`
	N         int       `json:"n"`
	NextN     int       `json:"next_n"`
	Decision  Decision  `json:"decision"`
	Trials    int       `json:"trials"`
	Tally     Tally     `json:"tally"`
	Accuracy  float64   `json:"accuracy"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// ChannelAccuracy returns the accuracy of ch in this block.
func (r BlockResult) ChannelAccuracy(ch Channel) float64 {
	return r.Tally.Accuracy(ch)
}

// Duration returns how long the block ran.
func (r BlockResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
