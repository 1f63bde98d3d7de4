// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tui

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DualNBack/services/nback/clock"
	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/present"
	"github.com/AleutianAI/DualNBack/services/nback/progress"
)

type harness struct {
	ctrl   *engine.Controller
	clk    *clock.Fake
	bridge *EventBridge
	model  Model
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Time{}),
		bridge: NewEventBridge(256),
	}
	cfg := engine.RunConfig{
		N:              2,
		TickInterval:   time.Second,
		ResponseWindow: 900 * time.Millisecond,
		TrialsPerBlock: 5,
		BlockPause:     time.Second,
		Adaptive:       true,
	}
	h.ctrl = engine.NewController(engine.ControllerOptions{
		Config: &cfg,
		Clock:  h.clk,
		Seed:   3,
	})
	h.ctrl.Subscribe(h.bridge)
	t.Cleanup(func() { h.ctrl.Stop() })

	h.model = NewModel(Options{
		Trainer: h.ctrl,
		Events:  h.bridge.C(),
		Trend:   progress.NewTrendAnalyzer(progress.Options{}),
	})
	return h
}

func (h *harness) send(msg tea.Msg) tea.Cmd {
	m, cmd := h.model.Update(msg)
	h.model = m.(Model)
	return cmd
}

func (h *harness) press(s string) tea.Cmd {
	if s == " " {
		return h.send(tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}})
	}
	return h.send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
}

// drain feeds every queued engine event to the model.
func (h *harness) drain() {
	for {
		select {
		case e := <-h.bridge.C():
			h.send(EventMsg(e))
		default:
			return
		}
	}
}

func TestModel_StartAndStop(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.model.View(), "Dual 2-Back")
	assert.Contains(t, h.model.View(), "idle")

	h.press(" ")
	assert.Equal(t, engine.StateRunning, h.ctrl.State())

	h.clk.Advance(0)
	h.drain()
	assert.Equal(t, 1, h.model.snap.TrialIndex)
	require.NotNil(t, h.model.snap.Current)
	assert.Contains(t, h.model.View(), "1/5")

	h.press(" ")
	assert.Equal(t, engine.StateIdle, h.ctrl.State())
}

func TestModel_Respond(t *testing.T) {
	h := newHarness(t)

	h.press("a")
	assert.Equal(t, "too late", h.model.status)

	h.press(" ")
	h.clk.Advance(0)
	h.drain()

	h.press("a")
	assert.True(t, h.model.marked[engine.ChannelPosition])
	h.drain()
	// Trial 1 has no target.
	assert.Equal(t, engine.OutcomeFalseAlarm, h.model.feedback[engine.ChannelPosition])
	assert.Equal(t, 1, h.model.snap.Tally.PosFalseAlarms)

	h.press("a")
	assert.Equal(t, "position already answered", h.model.status)

	h.press("l")
	h.drain()
	assert.Equal(t, 1, h.model.snap.Tally.SndFalseAlarms)

	h.clk.Advance(time.Second)
	h.drain()
	assert.False(t, h.model.marked[engine.ChannelPosition])
	assert.Equal(t, 2, h.model.snap.TrialIndex)
}

func TestModel_AdjustNOnlyWhileIdle(t *testing.T) {
	h := newHarness(t)

	h.press("+")
	assert.Equal(t, 3, h.ctrl.N())
	h.press("=")
	assert.Equal(t, 4, h.ctrl.N())
	h.press("-")
	assert.Equal(t, 3, h.ctrl.N())

	h.press(" ")
	h.press("+")
	assert.Equal(t, 3, h.ctrl.Config().N)
}

func TestModel_BlockCompleted(t *testing.T) {
	h := newHarness(t)
	h.press(" ")
	h.clk.Advance(0)

	// Five trials then the boundary tick.
	for i := 0; i < 5; i++ {
		h.clk.Advance(time.Second)
	}
	h.drain()

	require.NotNil(t, h.model.last)
	assert.Equal(t, 1, h.model.last.Block)
	assert.Contains(t, h.model.status, "block 1:")
	assert.Equal(t, engine.StateBlockTransition, h.model.snap.State)
}

func TestModel_ResetAndHelp(t *testing.T) {
	h := newHarness(t)
	h.press(" ")
	h.clk.Advance(0)
	h.press("r")
	assert.Equal(t, "block reset", h.model.status)
	assert.Equal(t, 1, h.model.snap.Block)

	assert.False(t, h.model.help.ShowAll)
	h.press("?")
	assert.True(t, h.model.help.ShowAll)
	assert.Contains(t, h.model.View(), "reset block")
}

func TestModel_Quit(t *testing.T) {
	h := newHarness(t)
	h.press(" ")
	cmd := h.press("q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.Equal(t, engine.StateIdle, h.ctrl.State())
	assert.Equal(t, "Session ended.\n", h.model.View())
}

func TestModel_ToneCueRingsBell(t *testing.T) {
	var bell bytes.Buffer
	ctrl := engine.NewController(engine.ControllerOptions{Clock: clock.NewFake(time.Time{})})
	cues := make(chan present.Cue, 1)
	m := NewModel(Options{Trainer: ctrl, Cues: cues, Bell: &bell})

	updated, cmd := m.Update(CueMsg(present.Cue{Kind: present.CueTone, Letter: "K", FrequencyHz: 440}))
	m = updated.(Model)
	require.NotNil(t, m.cue)
	require.NotNil(t, cmd)

	// Batch of the re-listen and the bell; run the bell directly.
	ringBell(&bell)()
	assert.Equal(t, "\a", bell.String())
}

func TestModel_WindowSize(t *testing.T) {
	h := newHarness(t)
	h.send(tea.WindowSizeMsg{Width: 100, Height: 40})
	assert.Equal(t, 40, h.model.progress.Width)
	assert.Equal(t, 100, h.model.help.Width)
}

func TestEventBridge_DropsWhenFull(t *testing.T) {
	b := NewEventBridge(1)
	b.OnEvent(engine.Event{Kind: engine.EventTrialStarted})
	b.OnEvent(engine.Event{Kind: engine.EventOutcome})
	assert.Equal(t, int64(1), b.Dropped())
	assert.Equal(t, engine.EventTrialStarted, (<-b.C()).Kind)
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

func TestSettings_RoundTrip(t *testing.T) {
	cfg := config.DefaultConfig()
	s := SettingsFrom(cfg)
	assert.Equal(t, cfg.Engine.N, s.N)
	assert.Equal(t, "20", s.TrialsPerBlock)

	s.N = 4
	s.TickInterval = 3 * time.Second
	s.TrialsPerBlock = " 30 "
	s.AudioMode = "speech"
	s.Adaptive = false
	require.NoError(t, s.ApplyTo(cfg))

	run := cfg.RunConfig()
	assert.Equal(t, 4, run.N)
	assert.Equal(t, 3*time.Second, run.TickInterval)
	assert.Equal(t, 30, run.TrialsPerBlock)
	assert.False(t, run.Adaptive)
	assert.Equal(t, 3*time.Second-engine.DefaultWindowMargin, run.ResponseWindow)
	assert.Equal(t, "speech", cfg.Presentation.AudioMode)
	assert.NoError(t, cfg.Validate())
}

func TestParseTrials(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"20", 20, false},
		{" 1 ", 1, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"many", 0, true},
		{"100000", 0, true},
	}
	for _, tt := range tests {
		got, err := parseTrials(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrInvalidTrials, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewSettingsForm(t *testing.T) {
	s := Settings{N: 12, TickInterval: 1700 * time.Millisecond, TrialsPerBlock: "20", AudioMode: "tone"}
	form := NewSettingsForm(&s)
	require.NotNil(t, form)
	assert.Equal(t, huh.StateNormal, form.State)
}
