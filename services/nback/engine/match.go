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

// MatchResult is the ground truth for one trial.
type MatchResult struct {
	// Position is true if the position equals the one N trials back.
	Position bool `json:"position"`

	// Letter is true if the letter equals the one N trials back.
	Letter bool `json:"letter"`
}

// For returns the ground truth for ch.
func (m MatchResult) For(ch Channel) bool {
	switch ch {
	case ChannelPosition:
		return m.Position
	case ChannelSound:
		return m.Letter
	default:
		return false
	}
}

// Any returns true if either channel matches.
func (m MatchResult) Any() bool {
	return m.Position || m.Letter
}

// DetectMatch compares trial i with trial i-n.
//
// Description:
//
//	Position and letter are compared independently. Both are false when
//	i-n < 0 or either index is outside the history. Pure: the result only
//	depends on entries i and i-n, which never change once written.
//
// Inputs:
//   - h: Block history. Nil yields no match.
//   - i: Trial index to evaluate.
//   - n: N-back offset. Values < 1 yield no match.
//
// Outputs:
//   - MatchResult: Ground truth for trial i.
func DetectMatch(h *History, i, n int) MatchResult {
	if h == nil || n < 1 || i-n < 0 {
		return MatchResult{}
	}
	cur, ok := h.At(i)
	if !ok {
		return MatchResult{}
	}
	back, ok := h.At(i - n)
	if !ok {
		return MatchResult{}
	}
	return MatchResult{
		Position: cur.Position == back.Position,
		Letter:   cur.Letter == back.Letter,
	}
}
