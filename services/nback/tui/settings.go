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
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

// Settings are the values the pre-game form edits.
type Settings struct {
	N              int
	TickInterval   time.Duration
	TrialsPerBlock string
	AudioMode      string
	Adaptive       bool
}

// SettingsFrom reads the form's starting values from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	run := cfg.RunConfig()
	return Settings{
		N:              run.N,
		TickInterval:   run.TickInterval,
		TrialsPerBlock: strconv.Itoa(run.TrialsPerBlock),
		AudioMode:      cfg.Presentation.AudioMode,
		Adaptive:       run.Adaptive,
	}
}

// ApplyTo writes s into cfg. TrialsPerBlock must already be valid.
func (s Settings) ApplyTo(cfg *config.Config) error {
	trials, err := parseTrials(s.TrialsPerBlock)
	if err != nil {
		return err
	}
	cfg.Engine.N = s.N
	cfg.Engine.TickInterval = s.TickInterval
	cfg.Engine.TrialsPerBlock = trials
	cfg.Engine.Adaptive = s.Adaptive
	// Derive the window from the new tick.
	cfg.Engine.ResponseWindow = 0
	cfg.Presentation.AudioMode = s.AudioMode
	return nil
}

// tickChoices are the tick intervals offered by the form.
var tickChoices = []time.Duration{
	1500 * time.Millisecond,
	2 * time.Second,
	2500 * time.Millisecond,
	3 * time.Second,
	4 * time.Second,
}

// NewSettingsForm builds the pre-game settings form bound to s.
func NewSettingsForm(s *Settings) *huh.Form {
	nOptions := make([]huh.Option[int], 0, 9)
	for n := engine.MinN; n <= 9; n++ {
		nOptions = append(nOptions, huh.NewOption(fmt.Sprintf("%d-back", n), n))
	}
	if s.N > 9 {
		nOptions = append(nOptions, huh.NewOption(fmt.Sprintf("%d-back", s.N), s.N))
	}

	tickOptions := make([]huh.Option[time.Duration], 0, len(tickChoices)+1)
	known := false
	for _, d := range tickChoices {
		tickOptions = append(tickOptions, huh.NewOption(d.String(), d))
		known = known || d == s.TickInterval
	}
	if !known {
		tickOptions = append(tickOptions, huh.NewOption(s.TickInterval.String(), s.TickInterval))
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title("Starting level").
				Options(nOptions...).
				Value(&s.N),
			huh.NewSelect[time.Duration]().
				Title("Time per trial").
				Options(tickOptions...).
				Value(&s.TickInterval),
			huh.NewInput().
				Title("Trials per block").
				Validate(func(v string) error {
					_, err := parseTrials(v)
					return err
				}).
				Value(&s.TrialsPerBlock),
			huh.NewSelect[string]().
				Title("Sound cue").
				Options(
					huh.NewOption("Tone", "tone"),
					huh.NewOption("Speech", "speech"),
					huh.NewOption("Silent", "silent"),
				).
				Value(&s.AudioMode),
			huh.NewConfirm().
				Title("Adapt N between blocks?").
				Value(&s.Adaptive),
		),
	)
}

// RunSettingsForm shows the form on the terminal and applies the result to
// cfg.
//
// # Outputs
//
//   - error: huh.ErrUserAborted if the user cancelled, or a form error.
func RunSettingsForm(cfg *config.Config) error {
	s := SettingsFrom(cfg)
	if err := NewSettingsForm(&s).Run(); err != nil {
		return err
	}
	return s.ApplyTo(cfg)
}

// ErrInvalidTrials is returned for a trials-per-block value out of range.
var ErrInvalidTrials = errors.New("trials per block must be a whole number")

func parseTrials(v string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, ErrInvalidTrials
	}
	if n < 1 || n > engine.MaxTrials {
		return 0, fmt.Errorf("%w between 1 and %d", ErrInvalidTrials, engine.MaxTrials)
	}
	return n, nil
}
