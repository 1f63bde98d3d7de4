// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the slog logger used by the nback commands.
//
// A Logger writes human-readable output to a stream (usually stderr) and,
// when Dir is set, JSON lines to a daily file. The terminal trainer runs
// Quiet so log lines never tear the alternate screen.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Format selects the stream encoding.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes a Logger.
type Config struct {
	// Level is the minimum level written anywhere.
	Level slog.Level

	// Format is FormatText or FormatJSON for the stream. Files are always
	// JSON.
	Format string

	// Dir enables file logging. The file is "{Service}_{YYYY-MM-DD}.log".
	// A leading ~ expands to the home directory.
	Dir string

	// Service is added to every record as "service" and names the file.
	// Default: "nback".
	Service string

	// Quiet disables the stream.
	Quiet bool

	// Writer is the stream. Nil uses os.Stderr.
	Writer io.Writer

	// Now names the log file. Nil uses time.Now.
	Now func() time.Time
}

// Logger is a slog.Logger that owns its log file.
//
// # Thread Safety
//
// Safe for concurrent use. Close must be called once.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger.
//
// # Description
//
// With neither a stream (Quiet) nor a Dir the logger discards everything.
//
// # Outputs
//
//   - *Logger: Ready to use.
//   - error: Failure creating the directory or the file.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "nback"
	}
	if cfg.Writer == nil {
		cfg.Writer = os.Stderr
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}

	l := &Logger{}
	var handlers []slog.Handler

	if !cfg.Quiet {
		if cfg.Format == FormatJSON {
			handlers = append(handlers, slog.NewJSONHandler(cfg.Writer, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(cfg.Writer, opts))
		}
	}

	if cfg.Dir != "" {
		dir := expandPath(cfg.Dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create the log directory: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, cfg.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open the log file: %w", err)
		}
		l.file = f
		handlers = append(handlers, slog.NewJSONHandler(f, opts))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &fanoutHandler{handlers: handlers}
	}
	handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})

	l.Logger = slog.New(handler)
	return l, nil
}

// Path returns the log file path, or "" without file logging.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

// Close syncs and closes the log file. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	return errors.Join(f.Sync(), f.Close())
}

// -----------------------------------------------------------------------------
// fanoutHandler
// -----------------------------------------------------------------------------

// fanoutHandler writes each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: handlers}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: handlers}
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
