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
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/DualNBack/services/nback/config"
	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/present"
	"github.com/AleutianAI/DualNBack/services/nback/server"
	"github.com/AleutianAI/DualNBack/services/nback/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

const telemetryFlushTimeout = 5 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	serveLogger, err := newLogger(cfg, cmd.ErrOrStderr(), "nback-serve", false)
	if err != nil {
		return err
	}
	defer serveLogger.Close()
	logger := serveLogger.Logger

	// One registry serves engine collectors and the OTel exporter.
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	tcfg.Registerer = reg
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	httpMetrics, err := telemetry.NewMetrics(otel.Meter("nback.server"))
	if err != nil {
		return err
	}

	hub := server.NewHub(server.HubOptions{
		ResponseRate:  cfg.Server.ResponseRate,
		ResponseBurst: cfg.Server.ResponseBurst,
		Logger:        logger,
		Metrics:       httpMetrics,
	})
	presenter, err := present.ForMode(cfg.Presentation.AudioMode, hub, present.Options{
		Language: cfg.Presentation.Language,
		Duration: cfg.Presentation.CueDuration,
	})
	if err != nil {
		return err
	}

	sess, err := newSession(ctx, cfg, presenter, engine.NewMetrics(reg), serveEphemeral, logger, hub)
	if err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Error("close failed", slog.String("error", err.Error()))
		}
	}()

	srv, err := server.New(server.Options{
		Trainer:       sess.controller,
		Hub:           hub,
		Store:         sess.store,
		Trend:         sess.trend,
		Gatherer:      reg,
		Metrics:       httpMetrics,
		ResponseRate:  cfg.Server.ResponseRate,
		ResponseBurst: cfg.Server.ResponseBurst,
		ServiceName:   cfg.Telemetry.ServiceName,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	addr := cfg.Server.Address
	if serveAddr != "" {
		addr = serveAddr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr, cfg.Server.ShutdownTimeout)
	})
	if !serveNoWatch {
		watcher, err := config.NewWatcher(configPath, config.ApplyTo(sess.controller, cfg, logger), logger)
		if err != nil {
			logger.Warn("config reload disabled", slog.String("error", err.Error()))
		} else {
			g.Go(func() error {
				defer watcher.Stop()
				watcher.Start(gctx)
				return nil
			})
		}
	}

	logger.Info("nback serving",
		slog.String("address", addr),
		slog.String("session_id", sess.controller.SessionID()),
		slog.String("audio_mode", cfg.Presentation.AudioMode),
	)
	return g.Wait()
}
