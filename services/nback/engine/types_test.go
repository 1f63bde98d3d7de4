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
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel_String(t *testing.T) {
	tests := []struct {
		name     string
		ch       Channel
		expected string
	}{
		{"position", ChannelPosition, "position"},
		{"sound", ChannelSound, "sound"},
		{"unknown", Channel(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ch.String())
		})
	}
}

func TestParseChannel(t *testing.T) {
	tests := []struct {
		in      string
		want    Channel
		wantErr bool
	}{
		{"position", ChannelPosition, false},
		{" POS ", ChannelPosition, false},
		{"visual", ChannelPosition, false},
		{"sound", ChannelSound, false},
		{"audio", ChannelSound, false},
		{"letter", ChannelSound, false},
		{"color", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseChannel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrUnknownChannel))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannel_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(struct {
		C Channel `json:"c"`
	}{ChannelSound})
	require.NoError(t, err)
	assert.JSONEq(t, `{"c":"sound"}`, string(data))

	var out struct {
		C Channel `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"c":"position"}`), &out))
	assert.Equal(t, ChannelPosition, out.C)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "none", OutcomeNone.String())
	assert.Equal(t, "hit", OutcomeHit.String())
	assert.Equal(t, "miss", OutcomeMiss.String())
	assert.Equal(t, "false_alarm", OutcomeFalseAlarm.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestRunState(t *testing.T) {
	tests := []struct {
		s      RunState
		name   string
		active bool
	}{
		{StateIdle, "idle", false},
		{StateRunning, "running", true},
		{StateBlockTransition, "block_transition", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.s.String())
			assert.Equal(t, tt.active, tt.s.IsActive())

			var parsed RunState
			require.NoError(t, parsed.UnmarshalText([]byte(tt.name)))
			assert.Equal(t, tt.s, parsed)
		})
	}

	var bad RunState
	assert.ErrorIs(t, bad.UnmarshalText([]byte("paused")), ErrUnknownState)
}

func TestStimulus(t *testing.T) {
	s := Stimulus{Position: 5, Letter: 'K'}
	assert.Equal(t, 1, s.Row())
	assert.Equal(t, 2, s.Col())
	assert.True(t, s.Valid())
	assert.Equal(t, "5/K", s.String())

	assert.False(t, Stimulus{Position: 9, Letter: 'K'}.Valid())
	assert.False(t, Stimulus{Position: -1, Letter: 'K'}.Valid())
	assert.False(t, Stimulus{Position: 0, Letter: 'A'}.Valid())
}

func TestRunConfig_Normalize(t *testing.T) {
	tests := []struct {
		name  string
		in    RunConfig
		check func(t *testing.T, c RunConfig)
	}{
		{
			name: "zero config is clamped to minimums",
			in:   RunConfig{},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, MinN, c.N)
				assert.Equal(t, 1, c.TrialsPerBlock)
				assert.Equal(t, MinTickInterval, c.TickInterval)
				assert.Equal(t, MinTickInterval, c.ResponseWindow)
				assert.Equal(t, time.Duration(0), c.BlockPause)
			},
		},
		{
			name: "negative n clamps to one",
			in:   RunConfig{N: -3, TickInterval: time.Second},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, 1, c.N)
			},
		},
		{
			name: "huge values clamp to maximums",
			in:   RunConfig{N: 99, TickInterval: time.Hour, TrialsPerBlock: 10000, BlockPause: time.Hour},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, MaxN, c.N)
				assert.Equal(t, MaxTickInterval, c.TickInterval)
				assert.Equal(t, MaxTrials, c.TrialsPerBlock)
				assert.Equal(t, MaxBlockPause, c.BlockPause)
			},
		},
		{
			name: "window derived from margin",
			in:   RunConfig{N: 2, TickInterval: 2500 * time.Millisecond, WindowMargin: 80 * time.Millisecond},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, 2420*time.Millisecond, c.ResponseWindow)
			},
		},
		{
			name: "window never exceeds tick interval",
			in:   RunConfig{TickInterval: time.Second, ResponseWindow: 5 * time.Second},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, time.Second, c.ResponseWindow)
			},
		},
		{
			name: "window floored at half the tick",
			in:   RunConfig{TickInterval: time.Second, ResponseWindow: 10 * time.Millisecond},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, 500*time.Millisecond, c.ResponseWindow)
			},
		},
		{
			name: "oversized margin is capped",
			in:   RunConfig{TickInterval: time.Second, WindowMargin: 3 * time.Second},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, 500*time.Millisecond, c.WindowMargin)
				assert.Equal(t, 500*time.Millisecond, c.ResponseWindow)
			},
		},
		{
			name: "target rate clamped",
			in:   RunConfig{TickInterval: time.Second, TargetRate: 4},
			check: func(t *testing.T, c RunConfig) {
				assert.Equal(t, 1.0, c.TargetRate)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.in.Normalize()
			tt.check(t, c)
			assert.LessOrEqual(t, c.ResponseWindow, c.TickInterval)
			assert.Equal(t, c, c.Normalize(), "normalize is idempotent")
		})
	}
}

func TestDefaultRunConfig(t *testing.T) {
	c := DefaultRunConfig()
	assert.Equal(t, 2, c.N)
	assert.Equal(t, 2500*time.Millisecond, c.TickInterval)
	assert.Equal(t, 20, c.TrialsPerBlock)
	assert.Equal(t, 2420*time.Millisecond, c.ResponseWindow)
	assert.True(t, c.Adaptive)
}

func TestConfigPatch_Apply(t *testing.T) {
	base := DefaultRunConfig()

	t.Run("empty patch changes nothing", func(t *testing.T) {
		p := ConfigPatch{}
		assert.True(t, p.IsEmpty())
		assert.Equal(t, base, p.Apply(base))
	})

	t.Run("n is clamped", func(t *testing.T) {
		n := 0
		got := ConfigPatch{N: &n}.Apply(base)
		assert.Equal(t, 1, got.N)
	})

	t.Run("tick change re-derives window", func(t *testing.T) {
		tick := time.Second
		got := ConfigPatch{TickInterval: &tick}.Apply(base)
		assert.Equal(t, time.Second, got.TickInterval)
		assert.Equal(t, 920*time.Millisecond, got.ResponseWindow)
	})

	t.Run("explicit window wins", func(t *testing.T) {
		tick := time.Second
		win := 700 * time.Millisecond
		got := ConfigPatch{TickInterval: &tick, ResponseWindow: &win}.Apply(base)
		assert.Equal(t, 700*time.Millisecond, got.ResponseWindow)
	})

	t.Run("patch from config reproduces it", func(t *testing.T) {
		other := RunConfig{N: 4, TickInterval: 3 * time.Second, TrialsPerBlock: 30, WindowMargin: 100 * time.Millisecond}.Normalize()
		assert.Equal(t, other, PatchFrom(other).Apply(base))
	})
}
