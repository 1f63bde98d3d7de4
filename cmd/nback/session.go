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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/progress"
	"github.com/AleutianAI/DualNBack/services/nback/storage"
)

// session is the engine plus the listeners every running command attaches.
type session struct {
	controller *engine.Controller
	db         *storage.DB
	store      *storage.ResultStore
	trend      *progress.TrendAnalyzer
	unsub      []func()
}

// openStore opens the result database described by c.
func openStore(c *config.Config, ephemeral bool, logger *slog.Logger) (*storage.DB, *storage.ResultStore, error) {
	var (
		db  *storage.DB
		err error
	)
	if ephemeral || c.Storage.InMemory {
		db, err = storage.OpenInMemory()
	} else {
		dbCfg := storage.DefaultConfig(c.Storage.Path)
		dbCfg.Logger = logger
		db, err = storage.OpenDB(dbCfg)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open result storage: %w", err)
	}
	store, err := storage.NewResultStore(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// newSession builds a controller from c and subscribes persistence, the
// trend analyzer and any extra listeners.
//
// # Inputs
//
//   - ctx: Bounds the initial history load.
//   - c: Loaded configuration.
//   - presenter: Receives every stimulus.
//   - metrics: Engine metrics. May be nil.
//   - ephemeral: Keep results in memory.
//   - listeners: Subscribed after the store and trend.
func newSession(ctx context.Context, c *config.Config, presenter engine.Presenter, metrics *engine.Metrics,
	ephemeral bool, logger *slog.Logger, listeners ...engine.Listener) (*session, error) {

	db, store, err := openStore(c, ephemeral, logger)
	if err != nil {
		return nil, err
	}

	trend := progress.NewTrendAnalyzer(progress.Options{})
	recent, err := store.Recent(ctx, progress.DefaultWindow)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	slices.Reverse(recent)
	trend.Load(recent)

	run := c.RunConfig()
	ctrl := engine.NewController(engine.ControllerOptions{
		Config:    &run,
		Policy:    c.Policy(),
		Seed:      c.Engine.Seed,
		Presenter: presenter,
		Logger:    logger,
		Metrics:   metrics,
	})

	s := &session{controller: ctrl, db: db, store: store, trend: trend}
	for _, l := range append([]engine.Listener{store.Listener(), trend}, listeners...) {
		s.unsub = append(s.unsub, ctrl.Subscribe(l))
	}
	return s, nil
}

// Close stops the engine, detaches listeners and closes storage.
func (s *session) Close() error {
	s.controller.Stop()
	for _, u := range s.unsub {
		u()
	}
	if err := s.db.Close(); err != nil {
		return errors.Join(errors.New("failed to close result storage"), err)
	}
	return nil
}
