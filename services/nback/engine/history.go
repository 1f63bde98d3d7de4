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

// History is the append-only record of stimuli in the current block.
//
// Entries never change after Append, so an index captured at trial start
// still names the same stimulus after later trials are appended.
//
// Thread Safety: NOT safe for concurrent use; the Controller synchronizes.
type History struct {
	items []Stimulus
}

// NewHistory returns an empty history with room for capacity trials.
func NewHistory(capacity int) *History {
	if capacity < 0 {
		capacity = 0
	}
	return &History{items: make([]Stimulus, 0, capacity)}
}

// Append adds s and returns its trial index.
func (h *History) Append(s Stimulus) int {
	h.items = append(h.items, s)
	return len(h.items) - 1
}

// At returns the stimulus at trial i.
func (h *History) At(i int) (Stimulus, bool) {
	if i < 0 || i >= len(h.items) {
		return Stimulus{}, false
	}
	return h.items[i], true
}

// Len returns the number of recorded trials.
func (h *History) Len() int {
	return len(h.items)
}

// Last returns the most recent stimulus.
func (h *History) Last() (Stimulus, bool) {
	return h.At(len(h.items) - 1)
}

// Slice returns a copy of the history from oldest to newest.
func (h *History) Slice() []Stimulus {
	out := make([]Stimulus, len(h.items))
	copy(out, h.items)
	return out
}

// Reset clears the history, keeping its capacity.
func (h *History) Reset() {
	h.items = h.items[:0]
}
