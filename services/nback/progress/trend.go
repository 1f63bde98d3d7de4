// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress tracks how a player's N develops across blocks.
//
// A TrendAnalyzer keeps the most recent block results in a RingBuffer and
// reports the direction of N, the peak N reached and the rolling accuracy.
// It subscribes to the engine event stream and can be seeded from stored
// history.
package progress

import (
	"sync"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

const (
	// DefaultWindow is how many recent blocks the analyzer keeps.
	DefaultWindow = 10

	// DefaultMinDataPoints is how many blocks a trend needs.
	DefaultMinDataPoints = 3
)

// TrendDirection indicates the direction of N over the window.
type TrendDirection string

const (
	TrendUp     TrendDirection = "UP"
	TrendDown   TrendDirection = "DOWN"
	TrendStable TrendDirection = "STABLE"
)

// Trend summarizes recent progress.
type Trend struct {
	// Direction compares the N after the newest block with the N of the
	// oldest block in the window.
	Direction TrendDirection `json:"direction"`

	// DataPoints is the number of blocks in the window.
	DataPoints int `json:"data_points"`

	// TotalBlocks counts every block ever added.
	TotalBlocks int `json:"total_blocks"`

	StartN   int `json:"start_n"`
	CurrentN int `json:"current_n"`

	// PeakN is the highest N played over every block ever added.
	PeakN int `json:"peak_n"`

	// RollingAccuracy is combined accuracy over the window.
	RollingAccuracy float64 `json:"rolling_accuracy"`

	// LastAccuracy is the accuracy of the newest block.
	LastAccuracy float64 `json:"last_accuracy"`
}

// Options configures a TrendAnalyzer.
type Options struct {
	// Window is how many recent blocks to keep. Default: DefaultWindow.
	Window int

	// MinDataPoints is the minimum window size for a non-stable trend.
	// Default: DefaultMinDataPoints.
	MinDataPoints int
}

// TrendAnalyzer tracks block results.
//
// # Thread Safety
//
// Safe for concurrent use.
type TrendAnalyzer struct {
	mu        sync.RWMutex
	recent    *RingBuffer[engine.BlockResult]
	minPoints int
	total     int
	peakN     int
}

// NewTrendAnalyzer creates an empty analyzer.
func NewTrendAnalyzer(opts Options) *TrendAnalyzer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.MinDataPoints <= 0 {
		opts.MinDataPoints = DefaultMinDataPoints
	}
	return &TrendAnalyzer{
		recent:    NewRingBuffer[engine.BlockResult](opts.Window),
		minPoints: opts.MinDataPoints,
	}
}

// Add records a completed block.
func (a *TrendAnalyzer) Add(r engine.BlockResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent.Push(r)
	a.total++
	a.peakN = max(a.peakN, r.N)
}

// Load adds results in order, oldest first.
func (a *TrendAnalyzer) Load(results []engine.BlockResult) {
	for _, r := range results {
		a.Add(r)
	}
}

// OnEvent implements engine.Listener.
func (a *TrendAnalyzer) OnEvent(e engine.Event) {
	if e.Kind == engine.EventBlockCompleted && e.Result != nil {
		a.Add(*e.Result)
	}
}

// Recent returns the window from oldest to newest.
func (a *TrendAnalyzer) Recent() []engine.BlockResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.recent.Slice()
}

// Reset forgets every block.
func (a *TrendAnalyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recent.Clear()
	a.total = 0
	a.peakN = 0
}

// Trend returns the current trend.
//
// Outputs:
//   - Trend: Direction is TrendStable until MinDataPoints blocks exist.
func (a *TrendAnalyzer) Trend() Trend {
	a.mu.RLock()
	defer a.mu.RUnlock()

	t := Trend{
		Direction:   TrendStable,
		DataPoints:  a.recent.Len(),
		TotalBlocks: a.total,
		PeakN:       a.peakN,
	}

	oldest, ok := a.recent.Oldest()
	if !ok {
		return t
	}
	newest, _ := a.recent.Newest()

	t.StartN = oldest.N
	t.CurrentN = newest.NextN
	t.LastAccuracy = newest.Accuracy

	var sum engine.Tally
	for _, r := range a.recent.Slice() {
		sum.PosHits += r.Tally.PosHits
		sum.PosMisses += r.Tally.PosMisses
		sum.SndHits += r.Tally.SndHits
		sum.SndMisses += r.Tally.SndMisses
	}
	t.RollingAccuracy = sum.CombinedAccuracy()

	if t.DataPoints < a.minPoints {
		return t
	}
	switch {
	case t.CurrentN > t.StartN:
		t.Direction = TrendUp
	case t.CurrentN < t.StartN:
		t.Direction = TrendDown
	}
	return t
}

var _ engine.Listener = (*TrendAnalyzer)(nil)
