// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/DualNBack/services/nback/present"
	"github.com/AleutianAI/DualNBack/services/nback/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ErrNotTerminal is returned by `play` when stdin or stdout is redirected.
var ErrNotTerminal = errors.New("play needs an interactive terminal")

const (
	cueQueueSize   = 8
	eventQueueSize = 64
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func runPlay(cmd *cobra.Command, args []string) error {
	if !isTerminal(os.Stdin) || !isTerminal(os.Stdout) {
		return ErrNotTerminal
	}

	if playSetup {
		if err := tui.RunSettingsForm(cfg); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(configPath); err != nil {
			return err
		}
	}

	// The alternate screen owns the terminal; logs only go to the file.
	fileLogger, err := newLogger(cfg, cmd.ErrOrStderr(), "nback-play", true)
	if err != nil {
		return err
	}
	defer fileLogger.Close()
	playLogger := fileLogger.With(slog.String("component", "nback_play"))

	cues := present.NewQueue(cueQueueSize)
	defer cues.Close()
	presenter, err := present.ForMode(cfg.Presentation.AudioMode, cues, present.Options{
		Language: cfg.Presentation.Language,
		Duration: cfg.Presentation.CueDuration,
	})
	if err != nil {
		return err
	}

	bridge := tui.NewEventBridge(eventQueueSize)
	sess, err := newSession(cmd.Context(), cfg, presenter, nil, playEphemeral, playLogger, bridge)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			playLogger.Error("close failed", slog.String("error", cerr.Error()))
		}
	}()

	var bell io.Writer
	if cfg.Presentation.AudioMode == present.ModeTone {
		bell = os.Stderr
	}

	model := tui.NewModel(tui.Options{
		Trainer: sess.controller,
		Events:  bridge.C(),
		Cues:    cues.C(),
		Trend:   sess.trend,
		Bell:    bell,
		Keys:    tui.DefaultKeyMap(),
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) {
			return nil
		}
		return fmt.Errorf("terminal UI failed: %w", err)
	}

	playLogger.Info("session ended",
		slog.String("session_id", sess.controller.SessionID()),
		slog.Int("blocks", sess.controller.Block()),
		slog.Int64("dropped_events", bridge.Dropped()),
		slog.Int64("dropped_cues", cues.Dropped()),
	)
	return nil
}
