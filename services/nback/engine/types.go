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
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrUnknownChannel is returned when a channel name cannot be parsed.
	ErrUnknownChannel = errors.New("unknown response channel")

	// ErrUnknownState is returned when a run state name cannot be parsed.
	ErrUnknownState = errors.New("unknown run state")
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// GridSize is the side length of the position grid.
	GridSize = 3

	// PositionCount is the number of grid cells.
	PositionCount = GridSize * GridSize

	// LetterCount is the size of the letter alphabet.
	LetterCount = 11
)

// Alphabet is the fixed set of letters used for the sound channel.
var Alphabet = [LetterCount]rune{'C', 'H', 'K', 'L', 'Q', 'R', 'S', 'T', 'B', 'F', 'G'}

// Defaults and limits for RunConfig.
const (
	DefaultN              = 2
	DefaultTickInterval   = 2500 * time.Millisecond
	DefaultTrialsPerBlock = 20
	DefaultWindowMargin   = 80 * time.Millisecond
	DefaultBlockPause     = 2 * time.Second

	MinN            = 1
	MaxN            = 20
	MinTickInterval = 250 * time.Millisecond
	MaxTickInterval = 30 * time.Second
	MaxTrials       = 500
	MaxBlockPause   = time.Minute
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// Channel is one of the two independent judgment tracks.
type Channel int

const (
	// ChannelPosition judges the grid position.
	ChannelPosition Channel = iota

	// ChannelSound judges the letter.
	ChannelSound

	channelCount
)

// Channels lists every channel in a stable order.
var Channels = [channelCount]Channel{ChannelPosition, ChannelSound}

// String returns the string representation of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelPosition:
		return "position"
	case ChannelSound:
		return "sound"
	default:
		return "unknown"
	}
}

// Valid reports whether c names a real channel.
func (c Channel) Valid() bool {
	return c >= ChannelPosition && c < channelCount
}

// MarshalText implements encoding.TextMarshaler.
func (c Channel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Channel) UnmarshalText(text []byte) error {
	parsed, err := ParseChannel(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseChannel parses a channel name. "audio" and "letter" are accepted as
// aliases for the sound channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "position", "pos", "visual":
		return ChannelPosition, nil
	case "sound", "snd", "audio", "letter":
		return ChannelSound, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownChannel, s)
	}
}

// Outcome classifies one channel of one trial.
type Outcome int

const (
	// OutcomeNone means the channel was correctly left unanswered.
	OutcomeNone Outcome = iota

	// OutcomeHit is a press on a matching trial.
	OutcomeHit

	// OutcomeMiss is a matching trial whose window closed without a press.
	OutcomeMiss

	// OutcomeFalseAlarm is a press on a non-matching trial.
	OutcomeFalseAlarm
)

// String returns the string representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeHit:
		return "hit"
	case OutcomeMiss:
		return "miss"
	case OutcomeFalseAlarm:
		return "false_alarm"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// RunState is the lifecycle state of the Controller.
type RunState int

const (
	// StateIdle is the initial state and the state after Stop.
	StateIdle RunState = iota

	// StateRunning presents trials.
	StateRunning

	// StateBlockTransition is the pause between two blocks.
	StateBlockTransition
)

// String returns the string representation of the state.
func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateBlockTransition:
		return "block_transition"
	default:
		return "unknown"
	}
}

// IsActive returns true while a run is in progress.
func (s RunState) IsActive() bool {
	return s == StateRunning || s == StateBlockTransition
}

// MarshalText implements encoding.TextMarshaler.
func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RunState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "running":
		*s = StateRunning
	case "block_transition":
		*s = StateBlockTransition
	default:
		return fmt.Errorf("%w: %q", ErrUnknownState, text)
	}
	return nil
}

// SubmitResult reports what happened to a response press.
type SubmitResult int

const (
	// SubmitAccepted means the press was scored.
	SubmitAccepted SubmitResult = iota

	// SubmitDuplicate means the channel was already answered this trial.
	SubmitDuplicate

	// SubmitNoWindow means no response window was open.
	SubmitNoWindow

	// SubmitInvalid means the channel is not a real channel.
	SubmitInvalid
)

// String returns the string representation of the submit result.
func (r SubmitResult) String() string {
	switch r {
	case SubmitAccepted:
		return "accepted"
	case SubmitDuplicate:
		return "duplicate"
	case SubmitNoWindow:
		return "no_window"
	case SubmitInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r SubmitResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// -----------------------------------------------------------------------------
// Stimulus
// -----------------------------------------------------------------------------

// Stimulus is one trial's pair of position and letter. Immutable.
type Stimulus struct {
	// Position is the grid cell in [0, PositionCount).
	Position int `json:"position"`

	// Letter is one of Alphabet.
	Letter rune `json:"letter"`
}

// Row returns the grid row of the position.
func (s Stimulus) Row() int {
	return s.Position / GridSize
}

// Col returns the grid column of the position.
func (s Stimulus) Col() int {
	return s.Position % GridSize
}

// Valid reports whether the position is on the grid and the letter is in
// the alphabet.
func (s Stimulus) Valid() bool {
	if s.Position < 0 || s.Position >= PositionCount {
		return false
	}
	for _, l := range Alphabet {
		if l == s.Letter {
			return true
		}
	}
	return false
}

// String returns a compact representation, e.g. "4/K".
func (s Stimulus) String() string {
	return fmt.Sprintf("%d/%c", s.Position, s.Letter)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// RunConfig configures the Controller.
//
// N and TrialsPerBlock take effect at the next block boundary. Timing fields
// take effect from the next trial.
type RunConfig struct {
	// N is the n-back offset. Clamped to [MinN, MaxN].
	N int `json:"n" yaml:"n"`

	// TickInterval is the time between two trials.
	// Clamped to [MinTickInterval, MaxTickInterval].
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// TrialsPerBlock is the block length. Clamped to [1, MaxTrials].
	TrialsPerBlock int `json:"trials_per_block" yaml:"trials_per_block"`

	// ResponseWindow is how long presses count for the current trial.
	// Zero derives TickInterval - WindowMargin. Never exceeds TickInterval.
	ResponseWindow time.Duration `json:"response_window" yaml:"response_window"`

	// WindowMargin is the gap between window close and the next tick when
	// ResponseWindow is derived.
	WindowMargin time.Duration `json:"window_margin" yaml:"window_margin"`

	// BlockPause is the pause between blocks. Clamped to [0, MaxBlockPause].
	BlockPause time.Duration `json:"block_pause" yaml:"block_pause"`

	// Adaptive enables the difficulty policy. When false N stays fixed.
	Adaptive bool `json:"adaptive" yaml:"adaptive"`

	// TargetRate is the per-channel probability of forcing an n-back repeat.
	// Zero keeps generation uniform. Clamped to [0, 1].
	TargetRate float64 `json:"target_rate" yaml:"target_rate"`
}

// DefaultRunConfig returns the default configuration.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		N:              DefaultN,
		TickInterval:   DefaultTickInterval,
		TrialsPerBlock: DefaultTrialsPerBlock,
		WindowMargin:   DefaultWindowMargin,
		BlockPause:     DefaultBlockPause,
		Adaptive:       true,
	}.Normalize()
}

// Normalize returns a copy with every field clamped to its valid range.
//
// Description:
//
//	Invalid values are tuning mistakes, not fatal errors, so each one is
//	moved to the nearest valid value instead of being rejected.
//
// Outputs:
//   - RunConfig: The clamped configuration. Always valid.
func (c RunConfig) Normalize() RunConfig {
	c.N = clampInt(c.N, MinN, MaxN)
	c.TrialsPerBlock = clampInt(c.TrialsPerBlock, 1, MaxTrials)
	c.TickInterval = clampDuration(c.TickInterval, MinTickInterval, MaxTickInterval)
	c.BlockPause = clampDuration(c.BlockPause, 0, MaxBlockPause)

	floor := c.TickInterval / 2
	c.WindowMargin = clampDuration(c.WindowMargin, 0, c.TickInterval-floor)

	if c.ResponseWindow <= 0 {
		c.ResponseWindow = c.TickInterval - c.WindowMargin
	}
	c.ResponseWindow = clampDuration(c.ResponseWindow, floor, c.TickInterval)

	if c.TargetRate < 0 || math.IsNaN(c.TargetRate) {
		c.TargetRate = 0
	}
	if c.TargetRate > 1 {
		c.TargetRate = 1
	}
	return c
}

// ConfigPatch is a partial RunConfig. Nil fields are left unchanged.
type ConfigPatch struct {
	N              *int           `json:"n,omitempty"`
	TickInterval   *time.Duration `json:"tick_interval,omitempty"`
	TrialsPerBlock *int           `json:"trials_per_block,omitempty"`
	ResponseWindow *time.Duration `json:"response_window,omitempty"`
	WindowMargin   *time.Duration `json:"window_margin,omitempty"`
	BlockPause     *time.Duration `json:"block_pause,omitempty"`
	Adaptive       *bool          `json:"adaptive,omitempty"`
	TargetRate     *float64       `json:"target_rate,omitempty"`
}

// PatchFrom returns a patch that sets every field of c.
func PatchFrom(c RunConfig) ConfigPatch {
	return ConfigPatch{
		N:              &c.N,
		TickInterval:   &c.TickInterval,
		TrialsPerBlock: &c.TrialsPerBlock,
		ResponseWindow: &c.ResponseWindow,
		WindowMargin:   &c.WindowMargin,
		BlockPause:     &c.BlockPause,
		Adaptive:       &c.Adaptive,
		TargetRate:     &c.TargetRate,
	}
}

// DiffPatch returns a patch holding only the fields where to differs from
// from. Both are normalized first.
func DiffPatch(from, to RunConfig) ConfigPatch {
	from, to = from.Normalize(), to.Normalize()
	var p ConfigPatch
	if to.N != from.N {
		p.N = &to.N
	}
	if to.TickInterval != from.TickInterval {
		p.TickInterval = &to.TickInterval
	}
	if to.TrialsPerBlock != from.TrialsPerBlock {
		p.TrialsPerBlock = &to.TrialsPerBlock
	}
	if to.ResponseWindow != from.ResponseWindow {
		p.ResponseWindow = &to.ResponseWindow
	}
	if to.WindowMargin != from.WindowMargin {
		p.WindowMargin = &to.WindowMargin
	}
	if to.BlockPause != from.BlockPause {
		p.BlockPause = &to.BlockPause
	}
	if to.Adaptive != from.Adaptive {
		p.Adaptive = &to.Adaptive
	}
	if to.TargetRate != from.TargetRate {
		p.TargetRate = &to.TargetRate
	}
	return p
}

// IsEmpty returns true if the patch changes nothing.
func (p ConfigPatch) IsEmpty() bool {
	return p.N == nil && p.TickInterval == nil && p.TrialsPerBlock == nil &&
		p.ResponseWindow == nil && p.WindowMargin == nil && p.BlockPause == nil &&
		p.Adaptive == nil && p.TargetRate == nil
}

// Apply returns base with the patch applied and normalized.
//
// A patch that changes TickInterval or WindowMargin without naming
// ResponseWindow re-derives the window from the new timing.
func (p ConfigPatch) Apply(base RunConfig) RunConfig {
	out := base
	if p.N != nil {
		out.N = *p.N
	}
	if p.TickInterval != nil {
		out.TickInterval = *p.TickInterval
	}
	if p.TrialsPerBlock != nil {
		out.TrialsPerBlock = *p.TrialsPerBlock
	}
	if p.WindowMargin != nil {
		out.WindowMargin = *p.WindowMargin
	}
	if p.ResponseWindow != nil {
		out.ResponseWindow = *p.ResponseWindow
	} else if p.TickInterval != nil || p.WindowMargin != nil {
		out.ResponseWindow = 0
	}
	if p.BlockPause != nil {
		out.BlockPause = *p.BlockPause
	}
	if p.Adaptive != nil {
		out.Adaptive = *p.Adaptive
	}
	if p.TargetRate != nil {
		out.TargetRate = *p.TargetRate
	}
	return out.Normalize()
}

// -----------------------------------------------------------------------------
// Interface Definitions
// -----------------------------------------------------------------------------

// Presenter is the presentation port. Present is called exactly once per
// trial and its outcome is never consulted.
type Presenter interface {
	Present(s Stimulus)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(s Stimulus)

// Present implements Presenter.
func (f PresenterFunc) Present(s Stimulus) {
	f(s)
}

// -----------------------------------------------------------------------------
// Snapshot
// -----------------------------------------------------------------------------

// Snapshot is a point-in-time copy of the Controller's observable state.
type Snapshot struct {
	State          RunState  `json:"state"`
	SessionID      string    `json:"session_id,omitempty"`
	Block          int       `json:"block"`
	N              int       `json:"n"`
	PendingN       int       `json:"pending_n"`
	TrialIndex     int       `json:"trial_index"`
	TrialsPerBlock int       `json:"trials_per_block"`
	ClosedTrials   int       `json:"closed_trials"`
	Current        *Stimulus `json:"current,omitempty"`
	Tally          Tally     `json:"tally"`
	Accuracy       float64   `json:"accuracy"`
	Config         RunConfig `json:"config"`
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
