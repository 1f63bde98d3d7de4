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
	"github.com/stretchr/testify/require"
)

func TestRandomGenerator_ValidStimuli(t *testing.T) {
	g := NewSeededGenerator(7)
	for i := 0; i < 1000; i++ {
		s := g.Next()
		require.True(t, s.Valid(), "invalid stimulus %v", s)
	}
}

func TestRandomGenerator_Deterministic(t *testing.T) {
	a := NewSeededGenerator(42)
	b := NewSeededGenerator(42)
	for i := 0; i < 100; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}

// TestRandomGenerator_Uniform runs a chi-square goodness-of-fit test on
// both channels. Critical values are for p = 0.001.
func TestRandomGenerator_Uniform(t *testing.T) {
	const samples = 99000

	g := NewSeededGenerator(20250101)
	var positions [PositionCount]int
	letters := make(map[rune]int, LetterCount)

	for i := 0; i < samples; i++ {
		s := g.Next()
		positions[s.Position]++
		letters[s.Letter]++
	}

	chi := func(counts []int) float64 {
		expected := float64(samples) / float64(len(counts))
		var sum float64
		for _, c := range counts {
			d := float64(c) - expected
			sum += d * d / expected
		}
		return sum
	}

	letterCounts := make([]int, 0, LetterCount)
	for _, l := range Alphabet {
		letterCounts = append(letterCounts, letters[l])
	}
	require.Len(t, letters, LetterCount, "only alphabet letters are drawn")

	assert.Less(t, chi(positions[:]), 26.12, "position distribution (df=8)")
	assert.Less(t, chi(letterCounts), 29.59, "letter distribution (df=10)")
}

func TestRandomGenerator_RepeatsAllowed(t *testing.T) {
	g := NewSeededGenerator(3)
	prev := g.Next()
	repeats := 0
	for i := 0; i < 2000; i++ {
		s := g.Next()
		if s.Position == prev.Position {
			repeats++
		}
		prev = s
	}
	assert.Greater(t, repeats, 0, "draws are with replacement")
}

func TestSequenceGenerator(t *testing.T) {
	a := Stimulus{Position: 1, Letter: 'C'}
	b := Stimulus{Position: 2, Letter: 'H'}
	g := NewSequenceGenerator(a, b)

	assert.Equal(t, a, g.Next())
	assert.Equal(t, b, g.Next())
	assert.Equal(t, b, g.Next(), "last item repeats")

	assert.Panics(t, func() { NewSequenceGenerator() })
}

func TestTargetBias(t *testing.T) {
	h := NewHistory(4)
	h.Append(Stimulus{Position: 3, Letter: 'Q'})
	h.Append(Stimulus{Position: 4, Letter: 'R'})

	fresh := Stimulus{Position: 8, Letter: 'G'}

	t.Run("rate zero keeps stimulus", func(t *testing.T) {
		assert.Equal(t, fresh, NewTargetBias(1).Apply(fresh, h, 2, 0))
	})

	t.Run("rate one copies n back", func(t *testing.T) {
		got := NewTargetBias(1).Apply(fresh, h, 2, 1)
		assert.Equal(t, Stimulus{Position: 3, Letter: 'Q'}, got)
	})

	t.Run("no trial n back", func(t *testing.T) {
		assert.Equal(t, fresh, NewTargetBias(1).Apply(fresh, h, 3, 1))
	})

	t.Run("nil history", func(t *testing.T) {
		assert.Equal(t, fresh, NewTargetBias(1).Apply(fresh, nil, 1, 1))
	})
}
