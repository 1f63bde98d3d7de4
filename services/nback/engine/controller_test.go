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
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DualNBack/services/nback/clock"
)

const (
	testTick   = time.Second
	testWindow = 900 * time.Millisecond
	testPause  = 2 * time.Second
)

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	c       *Controller
	clk     *clock.Fake
	metrics *Metrics

	mu        sync.Mutex
	presented []Stimulus
	events    []Event
}

func testConfig(n, trials int) *RunConfig {
	return &RunConfig{
		N:              n,
		TickInterval:   testTick,
		ResponseWindow: testWindow,
		TrialsPerBlock: trials,
		BlockPause:     testPause,
		Adaptive:       true,
	}
}

func newFixture(t *testing.T, cfg *RunConfig, gen Generator) *fixture {
	t.Helper()

	f := &fixture{
		clk:     clock.NewFake(time.Time{}),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	ids := 0
	f.c = NewController(ControllerOptions{
		Config:    cfg,
		Clock:     f.clk,
		Generator: gen,
		Metrics:   f.metrics,
		Presenter: PresenterFunc(func(s Stimulus) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.presented = append(f.presented, s)
		}),
		NewSessionID: func() string {
			ids++
			return fmt.Sprintf("session-%d", ids)
		},
	})
	f.c.Subscribe(ListenerFunc(func(e Event) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
	}))
	return f
}

func (f *fixture) eventsOf(kind EventKind) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (f *fixture) kinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventKind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

// start starts the controller and fires the first tick.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.True(t, f.c.Start())
	f.clk.Advance(0)
	require.Equal(t, 1, f.c.TrialIndex())
}

// playBlock plays the running block to the end. The block's first trial must
// already be presented. respond decides, per trial index, which channels are
// pressed. On return the controller is in StateBlockTransition.
func (f *fixture) playBlock(t *testing.T, respond func(trial int) []Channel) {
	t.Helper()
	trials := f.c.Snapshot().TrialsPerBlock
	for i := 0; i < trials; i++ {
		require.Equal(t, i+1, f.c.TrialIndex(), "trial %d presented", i)
		if respond != nil {
			for _, ch := range respond(i) {
				f.c.SubmitResponse(ch)
			}
		}
		f.clk.Advance(testTick)
	}
	require.Equal(t, StateBlockTransition, f.c.State())
}

// positionTargets returns a sequence in which every trial with i >= n is a
// position match and no trial is a letter match (n < LetterCount).
func positionTargets(count int) []Stimulus {
	out := make([]Stimulus, count)
	for i := range out {
		out[i] = Stimulus{Position: 0, Letter: Alphabet[i%LetterCount]}
	}
	return out
}

func pressPosition(trial int) []Channel {
	return []Channel{ChannelPosition}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestController_InitialState(t *testing.T) {
	f := newFixture(t, nil, nil)

	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, DefaultN, f.c.N())
	assert.Equal(t, 0, f.c.TrialIndex())
	assert.Equal(t, Tally{}, f.c.Tally())
	_, ok := f.c.CurrentStimulus()
	assert.False(t, ok)
	assert.Equal(t, 0, f.c.Block())
	assert.Equal(t, SubmitNoWindow, f.c.SubmitResponse(ChannelPosition))
}

func TestController_StartPresentsImmediately(t *testing.T) {
	seq := []Stimulus{{Position: 4, Letter: 'K'}, {Position: 2, Letter: 'C'}}
	f := newFixture(t, testConfig(2, 5), NewSequenceGenerator(seq...))

	require.True(t, f.c.Start())
	assert.False(t, f.c.Start(), "start while running is a no-op")
	assert.Equal(t, StateRunning, f.c.State())
	assert.Equal(t, "session-1", f.c.SessionID())
	assert.Equal(t, 1, f.c.Block())

	f.clk.Advance(0)
	cur, ok := f.c.CurrentStimulus()
	require.True(t, ok)
	assert.Equal(t, seq[0], cur)
	assert.Equal(t, 1, f.c.TrialIndex())

	f.clk.Advance(testTick - time.Millisecond)
	assert.Equal(t, 1, f.c.TrialIndex(), "no trial before the tick interval")
	f.clk.Advance(time.Millisecond)
	assert.Equal(t, 2, f.c.TrialIndex())

	f.mu.Lock()
	assert.Equal(t, seq, f.presented)
	f.mu.Unlock()

	assert.Equal(t, []EventKind{EventStateChanged, EventTrialStarted, EventTrialStarted}, f.kinds())
}

func TestController_StopIsCleanCancellation(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)

	f.clk.Advance(testTick) // trial 1, a position target
	require.Equal(t, SubmitAccepted, f.c.SubmitResponse(ChannelPosition))
	f.clk.Advance(testTick) // trial 2
	f.clk.Advance(testTick / 2)

	before := f.c.Tally()
	assert.Equal(t, 1, before.PosHits)
	assert.Equal(t, 0, before.PosMisses)

	require.True(t, f.c.Stop())
	assert.False(t, f.c.Stop(), "stop while idle is a no-op")
	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, 0, f.clk.Pending(), "every timer is cancelled")

	// The open trial 2 was a target; stopping must not score it as a miss.
	f.clk.Advance(time.Minute)
	assert.Equal(t, before, f.c.Tally())
	assert.Equal(t, 3, f.c.TrialIndex())
	assert.Equal(t, SubmitNoWindow, f.c.SubmitResponse(ChannelPosition))

	require.True(t, f.c.Start())
	assert.Equal(t, Tally{}, f.c.Tally())
	assert.Equal(t, 0, f.c.TrialIndex())
	assert.Equal(t, "session-2", f.c.SessionID())
	assert.Equal(t, 1, f.c.Block())
}

func TestController_StopDuringBlockTransition(t *testing.T) {
	f := newFixture(t, testConfig(1, 3), NewSequenceGenerator(positionTargets(3)...))
	f.start(t)
	f.playBlock(t, pressPosition)

	require.True(t, f.c.Stop())
	f.clk.Advance(testPause * 2)

	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, 3, f.c.TrialIndex(), "no new block begins")
	assert.Len(t, f.eventsOf(EventBlockCompleted), 1)
}

// =============================================================================
// Response windows
// =============================================================================

func TestController_DuplicateSubmitScoresOnce(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)
	f.clk.Advance(testTick)

	assert.Equal(t, SubmitAccepted, f.c.SubmitResponse(ChannelPosition))
	assert.Equal(t, SubmitDuplicate, f.c.SubmitResponse(ChannelPosition))
	assert.Equal(t, SubmitDuplicate, f.c.SubmitResponse(ChannelPosition))

	tally := f.c.Tally()
	assert.Equal(t, 1, tally.PosHits)
	assert.Equal(t, 0, tally.PosFalseAlarms)
	assert.Len(t, f.eventsOf(EventOutcome), 1)
}

func TestController_BothChannelsAnsweredClosesEarly(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)
	f.clk.Advance(testTick)
	require.Equal(t, 2, f.clk.Pending(), "tick and expiry armed")

	f.c.SubmitResponse(ChannelPosition)
	f.c.SubmitResponse(ChannelSound)

	assert.Equal(t, 1, f.clk.Pending(), "expiry timer cancelled")
	assert.Equal(t, 2, f.c.Snapshot().ClosedTrials)
	assert.Equal(t, SubmitNoWindow, f.c.SubmitResponse(ChannelSound))

	tally := f.c.Tally()
	assert.Equal(t, 1, tally.PosHits)
	assert.Equal(t, 1, tally.SndFalseAlarms, "letters never repeat in this sequence")
}

func TestController_LateSubmitIsDropped(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)
	f.clk.Advance(testTick)
	f.clk.Advance(testWindow + 10*time.Millisecond)

	assert.Equal(t, SubmitNoWindow, f.c.SubmitResponse(ChannelPosition))

	tally := f.c.Tally()
	assert.Equal(t, 0, tally.PosHits)
	assert.Equal(t, 1, tally.PosMisses)
	assert.Equal(t, 2, f.c.TrialIndex(), "the press is not applied to a later trial")

	f.clk.Advance(testTick)
	assert.Equal(t, 0, f.c.Tally().PosHits)
}

func TestController_InvalidChannel(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), nil)
	f.start(t)
	assert.Equal(t, SubmitInvalid, f.c.SubmitResponse(Channel(9)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedResponsesTotal.WithLabelValues("invalid")))
}

func TestController_ReactionTime(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)
	f.clk.Advance(testTick)
	f.clk.Advance(300 * time.Millisecond)

	require.Equal(t, SubmitAccepted, f.c.SubmitResponse(ChannelPosition))
	assert.Equal(t, 300*time.Millisecond, f.c.Tally().MeanReactionTime(ChannelPosition))

	outcomes := f.eventsOf(EventOutcome)
	require.Len(t, outcomes, 1)
	assert.Equal(t, 300*time.Millisecond, outcomes[0].ReactionTime)
	assert.Equal(t, OutcomeHit, outcomes[0].Outcome)
	assert.Equal(t, 1, outcomes[0].Trial)
}

func TestController_EarlyTrialsNeverMiss(t *testing.T) {
	same := Stimulus{Position: 3, Letter: 'T'}
	f := newFixture(t, testConfig(3, 6), NewSequenceGenerator(same))
	f.start(t)

	// Trials 0..2 have nothing three back; leave them unanswered.
	f.clk.Advance(3 * testTick)
	tally := f.c.Tally()
	assert.Equal(t, 0, tally.PosMisses)
	assert.Equal(t, 0, tally.SndMisses)

	// Trial 3 matches on both channels; its expiry scores two misses.
	f.clk.Advance(testTick)
	tally = f.c.Tally()
	assert.Equal(t, 1, tally.PosMisses)
	assert.Equal(t, 1, tally.SndMisses)

	for _, e := range f.eventsOf(EventTrialStarted) {
		if e.Trial < 3 {
			assert.False(t, e.Truth.Any(), "trial %d", e.Trial)
		}
	}
}

// TestController_TargetsAreAlwaysResolved plays random blocks with random
// presses and checks that every true match ends as exactly one hit or miss.
func TestController_TargetsAreAlwaysResolved(t *testing.T) {
	for _, seed := range []uint64{1, 2, 3, 4, 5} {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			cfg := testConfig(2, 40)
			cfg.TargetRate = 0.3
			f := newFixture(t, cfg, NewSeededGenerator(seed))

			presses := rand.New(rand.NewPCG(seed, seed+1))
			var pressed [channelCount]int

			f.start(t)
			f.playBlock(t, func(trial int) []Channel {
				var out []Channel
				for _, ch := range Channels {
					if presses.IntN(3) == 0 {
						out = append(out, ch)
						pressed[ch]++
					}
				}
				snap := f.c.Snapshot()
				require.LessOrEqual(t, snap.Tally.PosHits+snap.Tally.PosMisses, snap.ClosedTrials)
				require.LessOrEqual(t, snap.Tally.SndHits+snap.Tally.SndMisses, snap.ClosedTrials)
				return out
			})

			var targets [channelCount]int
			for _, e := range f.eventsOf(EventTrialStarted) {
				for _, ch := range Channels {
					if e.Truth.For(ch) {
						targets[ch]++
					}
				}
			}

			result, ok := f.c.LastResult()
			require.True(t, ok)
			for _, ch := range Channels {
				tally := result.Tally
				assert.Equal(t, targets[ch], tally.Hits(ch)+tally.Misses(ch), ch.String())
				assert.Equal(t, pressed[ch], tally.Hits(ch)+tally.FalseAlarms(ch), ch.String())
			}
			assert.Greater(t, targets[ChannelPosition]+targets[ChannelSound], 0)
		})
	}
}

func TestController_TargetRateForcesMatches(t *testing.T) {
	cfg := testConfig(2, 10)
	cfg.TargetRate = 1
	f := newFixture(t, cfg, NewSeededGenerator(99))
	f.start(t)
	f.playBlock(t, nil)

	for _, e := range f.eventsOf(EventTrialStarted) {
		if e.Trial >= 2 {
			assert.True(t, e.Truth.Position && e.Truth.Letter, "trial %d", e.Trial)
		}
	}
}

// =============================================================================
// Blocks and difficulty
// =============================================================================

func TestController_DifficultyThresholds(t *testing.T) {
	tests := []struct {
		name    string
		n       int
		hits    int
		wantN   int
		wantDec Decision
	}{
		{"15 of 20 advances", 2, 15, 3, DecisionAdvance},
		{"5 of 20 retreats", 3, 5, 2, DecisionRetreat},
		{"12 of 20 holds", 4, 12, 4, DecisionHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trials := tt.n + 20
			f := newFixture(t, testConfig(tt.n, trials), NewSequenceGenerator(positionTargets(trials)...))
			f.start(t)

			hits := 0
			f.playBlock(t, func(trial int) []Channel {
				if trial >= tt.n && hits < tt.hits {
					hits++
					return []Channel{ChannelPosition}
				}
				return nil
			})

			result, ok := f.c.LastResult()
			require.True(t, ok)
			assert.Equal(t, tt.hits, result.Tally.PosHits)
			assert.Equal(t, 20-tt.hits, result.Tally.PosMisses)
			assert.Equal(t, 0, result.Tally.SndHits+result.Tally.SndMisses)
			assert.Equal(t, tt.n, result.N)
			assert.Equal(t, tt.wantN, result.NextN)
			assert.Equal(t, tt.wantDec, result.Decision)
			assert.Equal(t, trials, result.Trials)
			assert.Equal(t, "session-1", result.SessionID)
			assert.Equal(t, time.Duration(trials)*testTick, result.Duration())

			assert.Equal(t, tt.n, f.c.N(), "n is unchanged during the pause")
			f.clk.Advance(testPause)

			assert.Equal(t, StateRunning, f.c.State())
			assert.Equal(t, tt.wantN, f.c.N())
			assert.Equal(t, 2, f.c.Block())
			assert.Equal(t, 1, f.c.TrialIndex())
			assert.Equal(t, Tally{}, f.c.Tally())
		})
	}
}

// splitTargets returns n+20 stimuli for n = 2 in which every even trial from
// index 2 is a position target only and every odd trial from index 3 is a
// sound target only: ten targets per channel.
func splitTargets() []Stimulus {
	out := make([]Stimulus, 22)
	for i := range out {
		if i%2 == 0 {
			out[i] = Stimulus{Position: 0, Letter: Alphabet[1+(i/2)%10]}
		} else {
			out[i] = Stimulus{Position: 1 + (i/2)%8, Letter: Alphabet[0]}
		}
	}
	return out
}

func TestController_DifficultyThresholdsBothChannels(t *testing.T) {
	tests := []struct {
		name     string
		posHits  int
		sndHits  int
		accuracy float64
		wantN    int
		wantDec  Decision
	}{
		{"8/2 position and 7/3 sound advances", 8, 7, 0.75, 3, DecisionAdvance},
		{"6/4 position and 5/5 sound holds", 6, 5, 0.55, 2, DecisionHold},
		{"5/5 position and 5/5 sound retreats", 5, 5, 0.50, 1, DecisionRetreat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(2, 22), NewSequenceGenerator(splitTargets()...))
			f.start(t)

			pos, snd := 0, 0
			f.playBlock(t, func(trial int) []Channel {
				if trial < 2 {
					return nil
				}
				if trial%2 == 0 && pos < tt.posHits {
					pos++
					return []Channel{ChannelPosition}
				}
				if trial%2 == 1 && snd < tt.sndHits {
					snd++
					return []Channel{ChannelSound}
				}
				return nil
			})

			result, ok := f.c.LastResult()
			require.True(t, ok)
			assert.Equal(t, Tally{
				PosHits:   tt.posHits,
				PosMisses: 10 - tt.posHits,
				SndHits:   tt.sndHits,
				SndMisses: 10 - tt.sndHits,
			}, withoutReaction(result.Tally))
			assert.InDelta(t, tt.accuracy, result.Accuracy, 1e-9)
			assert.Equal(t, tt.wantN, result.NextN)
			assert.Equal(t, tt.wantDec, result.Decision)

			f.clk.Advance(testPause)
			assert.Equal(t, tt.wantN, f.c.N())
		})
	}
}

func withoutReaction(t Tally) Tally {
	t.PosReaction, t.SndReaction = 0, 0
	return t
}

func TestController_NeverBelowOne(t *testing.T) {
	f := newFixture(t, testConfig(1, 4), NewSequenceGenerator(positionTargets(4)...))
	f.start(t)

	for block := 1; block <= 3; block++ {
		f.playBlock(t, nil)
		result, ok := f.c.LastResult()
		require.True(t, ok)
		assert.Equal(t, 0.0, result.Accuracy)
		assert.Equal(t, 1, result.NextN)
		f.clk.Advance(testPause)
		assert.Equal(t, 1, f.c.N())
	}
}

func TestController_NonAdaptiveKeepsN(t *testing.T) {
	cfg := testConfig(2, 5)
	cfg.Adaptive = false
	f := newFixture(t, cfg, NewSequenceGenerator(positionTargets(5)...))
	f.start(t)
	f.playBlock(t, pressPosition)

	result, _ := f.c.LastResult()
	assert.Equal(t, 1.0, result.Accuracy)
	assert.Equal(t, 2, result.NextN)
	assert.Equal(t, DecisionHold, result.Decision)
}

func TestController_BlockEventOrder(t *testing.T) {
	f := newFixture(t, testConfig(1, 2), NewSequenceGenerator(positionTargets(2)...))
	f.start(t)
	f.playBlock(t, nil)
	f.clk.Advance(testPause)

	assert.Equal(t, []EventKind{
		EventStateChanged, // idle -> running
		EventTrialStarted, // trial 0
		EventTrialStarted, // trial 1
		EventOutcome,      // trial 1 position miss
		EventStateChanged, // running -> block_transition
		EventBlockCompleted,
		EventStateChanged, // block_transition -> running
		EventTrialStarted,
	}, f.kinds())

	states := f.eventsOf(EventStateChanged)
	require.Len(t, states, 3)
	assert.Equal(t, StateBlockTransition, states[1].State)
	assert.Equal(t, StateRunning, states[1].Previous)

	blocks := f.eventsOf(EventBlockCompleted)
	require.NotNil(t, blocks[0].Result)
	assert.Equal(t, 1, blocks[0].Result.Block)
}

func TestController_PauseIsIndependentOfTick(t *testing.T) {
	cfg := testConfig(1, 2)
	cfg.BlockPause = 5 * time.Second
	f := newFixture(t, cfg, nil)
	f.start(t)
	f.playBlock(t, nil)

	f.clk.Advance(4 * time.Second)
	assert.Equal(t, StateBlockTransition, f.c.State())
	f.clk.Advance(time.Second)
	assert.Equal(t, StateRunning, f.c.State())
}

// =============================================================================
// Configuration changes
// =============================================================================

func TestController_SetNWhileIdle(t *testing.T) {
	f := newFixture(t, testConfig(2, 5), nil)
	assert.Equal(t, 5, f.c.SetN(5))
	assert.Equal(t, 5, f.c.N())
	assert.Equal(t, 1, f.c.SetN(-2))
	assert.Equal(t, 1, f.c.N())
}

func TestController_SetNAppliesAtBlockBoundary(t *testing.T) {
	f := newFixture(t, testConfig(2, 5), NewSequenceGenerator(positionTargets(5)...))
	f.start(t)
	f.clk.Advance(testTick)

	f.c.SetN(4)
	assert.Equal(t, 2, f.c.N(), "running block keeps its n")
	assert.Equal(t, 4, f.c.Snapshot().PendingN)

	// Trials 2..4 are still judged at n=2.
	f.clk.Advance(testTick)
	starts := f.eventsOf(EventTrialStarted)
	assert.True(t, starts[len(starts)-1].Truth.Position)

	// Perfect play would advance to 3; the explicit request wins.
	for f.c.State() == StateRunning {
		f.c.SubmitResponse(ChannelPosition)
		f.clk.Advance(testTick)
	}
	result, _ := f.c.LastResult()
	assert.Equal(t, 4, result.NextN)
	assert.Equal(t, DecisionAdvance, result.Decision)

	f.clk.Advance(testPause)
	assert.Equal(t, 4, f.c.N())
}

func TestController_SetConfigTiming(t *testing.T) {
	f := newFixture(t, testConfig(2, 20), nil)
	f.start(t)

	slow := 2 * time.Second
	cfg := f.c.SetConfig(ConfigPatch{TickInterval: &slow})
	assert.Equal(t, slow, cfg.TickInterval)

	// The tick already scheduled keeps its time; the next one uses 2s.
	f.clk.Advance(testTick)
	assert.Equal(t, 2, f.c.TrialIndex())
	f.clk.Advance(testTick)
	assert.Equal(t, 2, f.c.TrialIndex())
	f.clk.Advance(testTick)
	assert.Equal(t, 3, f.c.TrialIndex())
}

func TestController_SetConfigTrialsAppliesNextBlock(t *testing.T) {
	f := newFixture(t, testConfig(1, 3), nil)
	f.start(t)

	trials := 5
	f.c.SetConfig(ConfigPatch{TrialsPerBlock: &trials})
	assert.Equal(t, 3, f.c.Snapshot().TrialsPerBlock)

	f.playBlock(t, nil)
	f.clk.Advance(testPause)
	assert.Equal(t, 5, f.c.Snapshot().TrialsPerBlock)
}

func TestController_EmptyPatch(t *testing.T) {
	f := newFixture(t, testConfig(3, 5), nil)
	cfg := f.c.SetConfig(ConfigPatch{})
	assert.Equal(t, 3, cfg.N)
}

func TestController_ResetBlock(t *testing.T) {
	f := newFixture(t, testConfig(1, 10), NewSequenceGenerator(positionTargets(10)...))
	f.start(t)
	f.clk.Advance(testTick)
	f.c.SubmitResponse(ChannelPosition)
	f.clk.Advance(testTick)

	f.c.ResetBlockWithN(3)
	assert.Equal(t, StateRunning, f.c.State())
	assert.Equal(t, 3, f.c.N())
	assert.Equal(t, 0, f.c.TrialIndex())
	assert.Equal(t, Tally{}, f.c.Tally())
	assert.Equal(t, 1, f.c.Block(), "an interrupted block keeps its number")

	f.clk.Advance(0)
	assert.Equal(t, 1, f.c.TrialIndex())

	// The discarded trial's expiry never fires against the new block.
	f.clk.Advance(testWindow)
	assert.Equal(t, Tally{}, f.c.Tally())

	f.c.ResetBlock()
	assert.Equal(t, 3, f.c.N())
}

func TestController_ResetBlockWhileIdle(t *testing.T) {
	f := newFixture(t, testConfig(2, 10), nil)
	f.c.ResetBlockWithN(0)
	assert.Equal(t, StateIdle, f.c.State())
	assert.Equal(t, 1, f.c.N())
	assert.Equal(t, 0, f.clk.Pending())
}

// =============================================================================
// Presenter, listeners and metrics
// =============================================================================

func TestController_PresenterPanicIsRecovered(t *testing.T) {
	fc := clock.NewFake(time.Time{})
	m := NewMetrics(prometheus.NewRegistry())
	c := NewController(ControllerOptions{
		Config:    testConfig(1, 10),
		Clock:     fc,
		Generator: NewSequenceGenerator(positionTargets(10)...),
		Metrics:   m,
		Presenter: PresenterFunc(func(Stimulus) { panic("speaker unplugged") }),
	})

	require.True(t, c.Start())
	fc.Advance(0)
	fc.Advance(testTick)
	assert.Equal(t, SubmitAccepted, c.SubmitResponse(ChannelPosition))
	fc.Advance(testTick)

	assert.Equal(t, 3, c.TrialIndex())
	assert.Equal(t, 1, c.Tally().PosHits)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PresenterFailuresTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrialsTotal))
}

func TestController_ListenerMayObserve(t *testing.T) {
	f := newFixture(t, testConfig(1, 5), nil)

	var seen []int
	f.c.Subscribe(ListenerFunc(func(e Event) {
		if e.Kind == EventTrialStarted {
			seen = append(seen, f.c.Snapshot().TrialIndex)
		}
	}))

	f.start(t)
	f.clk.Advance(testTick)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestController_Unsubscribe(t *testing.T) {
	f := newFixture(t, testConfig(1, 5), nil)

	count := 0
	unsubscribe := f.c.Subscribe(ListenerFunc(func(Event) { count++ }))
	f.start(t)
	got := count
	assert.Positive(t, got)

	unsubscribe()
	unsubscribe()
	f.clk.Advance(testTick)
	assert.Equal(t, got, count)
}

func TestController_ListenerPanicIsRecovered(t *testing.T) {
	f := newFixture(t, testConfig(1, 5), nil)
	f.c.Subscribe(ListenerFunc(func(Event) { panic("boom") }))

	f.start(t)
	f.clk.Advance(testTick)
	assert.Equal(t, 2, f.c.TrialIndex())
	assert.Positive(t, testutil.ToFloat64(f.metrics.PresenterFailuresTotal))
}

func TestController_Metrics(t *testing.T) {
	f := newFixture(t, testConfig(1, 3), NewSequenceGenerator(positionTargets(3)...))
	f.start(t)
	f.playBlock(t, pressPosition)

	m := f.metrics
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TrialsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("position", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutcomesTotal.WithLabelValues("position", "false_alarm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BlocksTotal.WithLabelValues("advance")))
	assert.Equal(t, float64(StateBlockTransition), testutil.ToFloat64(m.RunState))

	f.clk.Advance(testPause)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CurrentN))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.trial()
		m.outcome(ChannelSound, OutcomeHit, time.Second)
		m.block(BlockResult{})
		m.dropped(SubmitDuplicate)
		m.state(StateRunning, 2)
		m.presenterFailure()
	})
}

func TestController_ConcurrentUse(t *testing.T) {
	f := newFixture(t, testConfig(2, 50), nil)
	f.start(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.c.SubmitResponse(ch)
					_ = f.c.Snapshot()
				}
			}
		}(Channels[i%2])
	}

	for i := 0; i < 30; i++ {
		f.clk.Advance(testTick / 3)
	}
	f.c.SetN(3)
	f.c.Stop()
	close(stop)
	wg.Wait()

	tally := f.c.Tally()
	assert.LessOrEqual(t, tally.PosHits+tally.PosMisses, f.c.Snapshot().ClosedTrials)
	assert.Equal(t, StateIdle, f.c.State())
}
