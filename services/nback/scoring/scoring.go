// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scoring computes signal-detection summaries over completed blocks.
//
// The engine's difficulty rule only looks at hits and misses. Reporting
// wants more: hit rate, false-alarm rate over non-target trials, d′ and
// reaction-time spread, the measures continuous-performance tests report.
//
// d′ uses the log-linear correction (add 0.5 to each count and 1 to each
// denominator) so perfect or empty blocks still give a finite value.
package scoring

import (
	"math"
	"sync"
	"time"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

// DefaultMaxSamples bounds the reaction times a ReactionCollector keeps per
// channel.
const DefaultMaxSamples = 5000

// -----------------------------------------------------------------------------
// Summaries
// -----------------------------------------------------------------------------

// ChannelSummary is the signal-detection summary of one channel.
type ChannelSummary struct {
	Channel engine.Channel `json:"channel"`

	// Trials is the number of trials presented.
	Trials int `json:"trials"`

	// Targets is hits + misses; NonTargets is the rest of the trials.
	Targets    int `json:"targets"`
	NonTargets int `json:"non_targets"`

	Hits        int `json:"hits"`
	Misses      int `json:"misses"`
	FalseAlarms int `json:"false_alarms"`

	HitRate        float64 `json:"hit_rate"`
	FalseAlarmRate float64 `json:"false_alarm_rate"`
	DPrime         float64 `json:"d_prime"`

	// MeanReaction is the mean hit reaction time.
	MeanReaction time.Duration `json:"mean_reaction_ns"`
}

// Summary aggregates a series of blocks.
type Summary struct {
	Blocks   int            `json:"blocks"`
	Trials   int            `json:"trials"`
	Position ChannelSummary `json:"position"`
	Sound    ChannelSummary `json:"sound"`

	// Accuracy is combined hits / (hits + misses) over every block.
	Accuracy float64 `json:"accuracy"`

	MeanN float64 `json:"mean_n"`
	MinN  int     `json:"min_n"`
	MaxN  int     `json:"max_n"`

	// Duration is the summed block duration, excluding pauses.
	Duration time.Duration `json:"duration_ns"`
}

// Channel returns the summary of ch.
func (s Summary) Channel(ch engine.Channel) ChannelSummary {
	if ch == engine.ChannelSound {
		return s.Sound
	}
	return s.Position
}

// Summarize aggregates results.
//
// Inputs:
//   - results: Completed blocks in any order. May be empty.
//
// Outputs:
//   - Summary: Zero value for no results.
func Summarize(results []engine.BlockResult) Summary {
	var s Summary
	if len(results) == 0 {
		return s
	}

	var total engine.Tally
	var sumN int
	s.MinN = results[0].N
	for _, r := range results {
		s.Blocks++
		s.Trials += r.Trials
		s.Duration += r.Duration()
		sumN += r.N
		s.MinN = min(s.MinN, r.N)
		s.MaxN = max(s.MaxN, r.N)

		t := r.Tally
		total.PosHits += t.PosHits
		total.PosMisses += t.PosMisses
		total.PosFalseAlarms += t.PosFalseAlarms
		total.SndHits += t.SndHits
		total.SndMisses += t.SndMisses
		total.SndFalseAlarms += t.SndFalseAlarms
		total.PosReaction += t.PosReaction
		total.SndReaction += t.SndReaction
	}

	s.MeanN = float64(sumN) / float64(s.Blocks)
	s.Accuracy = total.CombinedAccuracy()
	s.Position = channelSummary(engine.ChannelPosition, total, s.Trials)
	s.Sound = channelSummary(engine.ChannelSound, total, s.Trials)
	return s
}

// SummarizeBlock summarizes a single block.
func SummarizeBlock(r engine.BlockResult) Summary {
	return Summarize([]engine.BlockResult{r})
}

func channelSummary(ch engine.Channel, t engine.Tally, trials int) ChannelSummary {
	cs := ChannelSummary{
		Channel:      ch,
		Trials:       trials,
		Hits:         t.Hits(ch),
		Misses:       t.Misses(ch),
		FalseAlarms:  t.FalseAlarms(ch),
		Targets:      t.Targets(ch),
		MeanReaction: t.MeanReactionTime(ch),
	}
	cs.NonTargets = max(0, trials-cs.Targets)
	cs.HitRate = Rate(cs.Hits, cs.Targets)
	cs.FalseAlarmRate = Rate(cs.FalseAlarms, cs.NonTargets)
	cs.DPrime = DPrime(cs.Hits, cs.Targets, cs.FalseAlarms, cs.NonTargets)
	return cs
}

// -----------------------------------------------------------------------------
// Signal detection
// -----------------------------------------------------------------------------

// Rate returns count / total, or 0 when total is 0.
func Rate(count, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(count) / float64(total)
}

// DPrime returns the sensitivity index z(H) - z(F) with log-linear
// correction.
//
// Inputs:
//   - hits, targets: Hits out of matching trials.
//   - falseAlarms, nonTargets: False alarms out of non-matching trials.
//
// Outputs:
//   - float64: d′. Zero when performance equals chance.
func DPrime(hits, targets, falseAlarms, nonTargets int) float64 {
	h := (float64(hits) + 0.5) / (float64(targets) + 1)
	f := (float64(falseAlarms) + 0.5) / (float64(nonTargets) + 1)
	return zScore(h) - zScore(f)
}

// zScore returns the standard normal quantile of p.
func zScore(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// -----------------------------------------------------------------------------
// Reaction times
// -----------------------------------------------------------------------------

// ReactionStats describes a set of hit reaction times.
type ReactionStats struct {
	Count int           `json:"count"`
	Mean  time.Duration `json:"mean_ns"`
	SD    time.Duration `json:"sd_ns"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
}

// ReactionStatsOf computes statistics over samples. SD is the population
// standard deviation; it is 0 for fewer than two samples.
func ReactionStatsOf(samples []time.Duration) ReactionStats {
	if len(samples) == 0 {
		return ReactionStats{}
	}

	st := ReactionStats{Count: len(samples), Min: samples[0], Max: samples[0]}
	var sum float64
	for _, d := range samples {
		sum += float64(d)
		st.Min = min(st.Min, d)
		st.Max = max(st.Max, d)
	}
	mean := sum / float64(len(samples))
	st.Mean = time.Duration(math.Round(mean))

	if len(samples) > 1 {
		var sumSq float64
		for _, d := range samples {
			diff := float64(d) - mean
			sumSq += diff * diff
		}
		st.SD = time.Duration(math.Round(math.Sqrt(sumSq / float64(len(samples)))))
	}
	return st
}

// ReactionCollector records hit reaction times from the engine event stream.
//
// Subscribe it with Controller.Subscribe. Only the newest maxSamples per
// channel are kept.
//
// Thread Safety: Safe for concurrent use.
type ReactionCollector struct {
	mu         sync.Mutex
	samples    map[engine.Channel][]time.Duration
	maxSamples int
}

// NewReactionCollector creates a collector. maxSamples <= 0 uses
// DefaultMaxSamples.
func NewReactionCollector(maxSamples int) *ReactionCollector {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &ReactionCollector{
		samples:    make(map[engine.Channel][]time.Duration),
		maxSamples: maxSamples,
	}
}

// OnEvent implements engine.Listener.
func (c *ReactionCollector) OnEvent(e engine.Event) {
	if e.Kind != engine.EventOutcome || e.Outcome != engine.OutcomeHit {
		return
	}
	c.Add(e.Channel, e.ReactionTime)
}

// Add records one reaction time for ch.
func (c *ReactionCollector) Add(ch engine.Channel, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := append(c.samples[ch], d)
	if len(s) > c.maxSamples {
		s = s[len(s)-c.maxSamples:]
	}
	c.samples[ch] = s
}

// Stats returns statistics for ch.
func (c *ReactionCollector) Stats(ch engine.Channel) ReactionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ReactionStatsOf(c.samples[ch])
}

// Reset discards every sample.
func (c *ReactionCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.samples)
}

var _ engine.Listener = (*ReactionCollector)(nil)
