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
	"testing"

	"github.com/stretchr/testify/assert"
)

func historyOf(items ...Stimulus) *History {
	h := NewHistory(len(items))
	for _, s := range items {
		h.Append(s)
	}
	return h
}

func TestHistory(t *testing.T) {
	h := NewHistory(-1)
	assert.Equal(t, 0, h.Len())

	_, ok := h.Last()
	assert.False(t, ok)

	assert.Equal(t, 0, h.Append(Stimulus{Position: 1, Letter: 'C'}))
	assert.Equal(t, 1, h.Append(Stimulus{Position: 2, Letter: 'H'}))

	s, ok := h.At(0)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Position)

	_, ok = h.At(2)
	assert.False(t, ok)
	_, ok = h.At(-1)
	assert.False(t, ok)

	snap := h.Slice()
	snap[0].Position = 8
	s, _ = h.At(0)
	assert.Equal(t, 1, s.Position, "slice is a copy")

	h.Reset()
	assert.Equal(t, 0, h.Len())
}

func TestDetectMatch(t *testing.T) {
	h := historyOf(
		Stimulus{Position: 0, Letter: 'C'}, // 0
		Stimulus{Position: 4, Letter: 'H'}, // 1
		Stimulus{Position: 0, Letter: 'K'}, // 2: position matches 0 at n=2
		Stimulus{Position: 5, Letter: 'H'}, // 3: letter matches 1 at n=2
		Stimulus{Position: 0, Letter: 'K'}, // 4: both match 2 at n=2
	)

	tests := []struct {
		name string
		i, n int
		want MatchResult
	}{
		{"first trial never matches", 0, 1, MatchResult{}},
		{"i less than n", 1, 2, MatchResult{}},
		{"position only", 2, 2, MatchResult{Position: true}},
		{"letter only", 3, 2, MatchResult{Letter: true}},
		{"both", 4, 2, MatchResult{Position: true, Letter: true}},
		{"neither", 3, 1, MatchResult{}},
		{"n of zero", 4, 0, MatchResult{}},
		{"index out of range", 9, 2, MatchResult{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectMatch(h, tt.i, tt.n))
		})
	}

	assert.Equal(t, MatchResult{}, DetectMatch(nil, 2, 1))
}

func TestDetectMatch_NeverBeforeN(t *testing.T) {
	// Identical stimuli everywhere: every trial with i >= n matches.
	same := Stimulus{Position: 3, Letter: 'T'}
	h := NewHistory(10)
	for i := 0; i < 10; i++ {
		h.Append(same)
	}
	for n := 1; n <= 5; n++ {
		for i := 0; i < 10; i++ {
			got := DetectMatch(h, i, n)
			if i < n {
				assert.False(t, got.Any(), "i=%d n=%d", i, n)
			} else {
				assert.True(t, got.Position && got.Letter, "i=%d n=%d", i, n)
			}
		}
	}
}

func TestDetectMatch_StableUnderAppend(t *testing.T) {
	h := historyOf(
		Stimulus{Position: 1, Letter: 'C'},
		Stimulus{Position: 1, Letter: 'H'},
	)
	before := DetectMatch(h, 1, 1)
	h.Append(Stimulus{Position: 7, Letter: 'H'})
	h.Append(Stimulus{Position: 8, Letter: 'G'})
	assert.Equal(t, before, DetectMatch(h, 1, 1))
}

func TestMatchResult_For(t *testing.T) {
	m := MatchResult{Position: true}
	assert.True(t, m.For(ChannelPosition))
	assert.False(t, m.For(ChannelSound))
	assert.False(t, m.For(Channel(7)))
	assert.True(t, m.Any())
	assert.False(t, MatchResult{}.Any())
}
