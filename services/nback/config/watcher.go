// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
)

// DefaultDebounce collapses the burst of events an editor produces on save.
const DefaultDebounce = 150 * time.Millisecond

// ErrNilCallback is returned by NewWatcher without a callback.
var ErrNilCallback = errors.New("watcher callback must not be nil")

// Watcher reloads a configuration file when it changes on disk.
//
// # Description
//
// Watches the file's directory so that editors which save by rename are
// seen. A reload that fails to parse or validate is logged and dropped; the
// callback only ever sees valid configurations.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for path.
//
// # Inputs
//
//   - path: Configuration file. Its directory must exist.
//   - onChange: Called with each successfully reloaded configuration.
//   - logger: Nil uses slog.Default().
//
// # Outputs
//
//   - *Watcher: Ready-to-start watcher.
//   - error: Non-nil if the fsnotify watcher cannot be created.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if onChange == nil {
		return nil, ErrNilCallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "nback_config_watcher")),
		watcher:  fw,
		debounce: DefaultDebounce,
	}, nil
}

// Start processes file events until ctx is cancelled. Blocks.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("watching config file", slog.String("path", w.path))
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-ctx.Done():
			w.stopTimer()
			return
		}
	}
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() error {
	w.stopTimer()
	return w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// -----------------------------------------------------------------------------
// Engine hand-off
// -----------------------------------------------------------------------------

// Patcher accepts engine configuration changes. *engine.Controller
// implements it.
type Patcher interface {
	SetConfig(engine.ConfigPatch) engine.RunConfig
}

// ApplyTo returns a Watcher callback that forwards engine settings to p.
//
// # Description
//
// Only settings that changed since the previous reload are sent, starting
// from base (the configuration the engine was built with). A reload that
// leaves engine.n alone therefore never overrides the difficulty policy's
// choice of N at the next block boundary. A nil base sends every setting on
// the first reload.
func ApplyTo(p Patcher, base *Config, logger *slog.Logger) func(*Config) {
	if logger == nil {
		logger = slog.Default()
	}
	var (
		mu   sync.Mutex
		last = base
	)
	return func(cfg *Config) {
		mu.Lock()
		patch := cfg.PatchSince(last)
		last = cfg
		mu.Unlock()

		if patch.IsEmpty() {
			logger.Debug("config reload left engine settings unchanged")
			return
		}
		applied := p.SetConfig(patch)
		logger.Info("engine settings updated",
			slog.Bool("n_changed", patch.N != nil),
			slog.Int("pending_n", applied.N),
			slog.Duration("tick_interval", applied.TickInterval),
			slog.Int("trials_per_block", applied.TrialsPerBlock),
		)
	}
}
