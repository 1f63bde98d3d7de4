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
	"math/rand/v2"
	"sync"
)

// Generator produces one stimulus per trial.
type Generator interface {
	Next() Stimulus
}

// RandomGenerator draws position and letter independently and uniformly,
// with replacement.
//
// Thread Safety: Safe for concurrent use.
type RandomGenerator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomGenerator returns a generator seeded from the runtime's entropy.
func NewRandomGenerator() *RandomGenerator {
	return NewSeededGenerator(rand.Uint64())
}

// NewSeededGenerator returns a deterministic generator for seed.
func NewSeededGenerator(seed uint64) *RandomGenerator {
	return &RandomGenerator{
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Next implements Generator.
func (g *RandomGenerator) Next() Stimulus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stimulus{
		Position: g.rng.IntN(PositionCount),
		Letter:   Alphabet[g.rng.IntN(LetterCount)],
	}
}

// TargetBias raises the share of n-back matches above chance.
//
// # Description
//
// Uniform generation yields a position match with probability 1/9 and a
// letter match with probability 1/11, which leaves long stretches without
// targets. With rate r, each channel of a drawn stimulus is replaced by the
// value from N trials back with probability r, independently per channel.
//
// # Thread Safety
//
// Safe for concurrent use.
type TargetBias struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewTargetBias returns a bias source seeded with seed.
func NewTargetBias(seed uint64) *TargetBias {
	return &TargetBias{
		rng: rand.New(rand.NewPCG(seed, ^seed)),
	}
}

// Apply returns s, possibly with channels copied from h[len-n].
//
// Inputs:
//   - s: Freshly generated stimulus for trial h.Len().
//   - h: History of the block so far. Not modified.
//   - n: Current n-back offset.
//   - rate: Probability in [0, 1] of forcing a repeat per channel.
//
// Outputs:
//   - Stimulus: s unchanged when there is no trial n back or rate is 0.
func (b *TargetBias) Apply(s Stimulus, h *History, n int, rate float64) Stimulus {
	if rate <= 0 || h == nil {
		return s
	}
	back, ok := h.At(h.Len() - n)
	if !ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rng.Float64() < rate {
		s.Position = back.Position
	}
	if b.rng.Float64() < rate {
		s.Letter = back.Letter
	}
	return s
}

// SequenceGenerator replays a fixed sequence, then repeats its last element.
//
// Useful for scripted sessions and for tests that need known matches.
//
// Thread Safety: Safe for concurrent use.
type SequenceGenerator struct {
	mu    sync.Mutex
	items []Stimulus
	next  int
}

// NewSequenceGenerator returns a generator over items. Panics if items is empty.
func NewSequenceGenerator(items ...Stimulus) *SequenceGenerator {
	if len(items) == 0 {
		panic("engine: NewSequenceGenerator requires at least one stimulus")
	}
	cp := make([]Stimulus, len(items))
	copy(cp, items)
	return &SequenceGenerator{items: cp}
}

// Next implements Generator.
func (g *SequenceGenerator) Next() Stimulus {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.items[min(g.next, len(g.items)-1)]
	g.next++
	return s
}
