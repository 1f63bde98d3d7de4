// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a Controller over HTTP and WebSocket.
//
// Routes live under /v1/nback. Engine events and presentation cues stream to
// WebSocket clients through a Hub; clients answer with "respond" frames.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/progress"
	"github.com/AleutianAI/DualNBack/services/nback/storage"
	"github.com/AleutianAI/DualNBack/services/nback/telemetry"
)

var (
	// ErrNilTrainer is returned by New without a Trainer.
	ErrNilTrainer = errors.New("trainer must not be nil")

	// ErrRateLimited is reported when responses arrive faster than allowed.
	ErrRateLimited = errors.New("response rate limit exceeded")

	// ErrNoStorage is reported by result routes when no store is configured.
	ErrNoStorage = errors.New("result storage is not configured")
)

// Trainer is the part of engine.Controller the server drives.
type Trainer interface {
	Start() bool
	Stop() bool
	ResetBlock()
	ResetBlockWithN(n int)
	SetConfig(patch engine.ConfigPatch) engine.RunConfig
	SubmitResponse(ch engine.Channel) engine.SubmitResult
	Snapshot() engine.Snapshot
}

// Options configures a Server.
type Options struct {
	// Trainer is required.
	Trainer Trainer

	// Hub streams events and cues. Nil creates one; the caller must still
	// subscribe it to the controller and hand it to the presenter.
	Hub *Hub

	// Store serves /results and /sessions. Optional.
	Store *storage.ResultStore

	// Trend is reported by /status. Optional.
	Trend *progress.TrendAnalyzer

	// Gatherer backs /metrics. Nil uses prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Metrics records request and WebSocket instruments. Optional.
	Metrics *telemetry.Metrics

	// ResponseRate and ResponseBurst bound POST /respond across all
	// clients. Defaults: 10 per second, burst 4.
	ResponseRate  float64
	ResponseBurst int

	// ServiceName names the otelgin server spans. Default: "nback".
	ServiceName string

	Logger *slog.Logger
}

// Server is the HTTP surface of one trainer.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	trainer  Trainer
	hub      *Hub
	store    *storage.ResultStore
	trend    *progress.TrendAnalyzer
	gatherer prometheus.Gatherer
	metrics  *telemetry.Metrics
	limiter  *rate.Limiter
	logger   *slog.Logger
	router   *gin.Engine
}

// New builds the server and its routes.
//
// # Outputs
//
//   - *Server: Ready to serve.
//   - error: ErrNilTrainer if opts.Trainer is nil.
func New(opts Options) (*Server, error) {
	if opts.Trainer == nil {
		return nil, ErrNilTrainer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.ResponseRate <= 0 {
		opts.ResponseRate = 10
	}
	if opts.ResponseBurst <= 0 {
		opts.ResponseBurst = 4
	}
	if opts.ServiceName == "" {
		opts.ServiceName = "nback"
	}
	logger := opts.Logger.With(slog.String("component", "nback_server"))
	if opts.Hub == nil {
		opts.Hub = NewHub(HubOptions{
			ResponseRate:  opts.ResponseRate,
			ResponseBurst: opts.ResponseBurst,
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
		})
	}

	s := &Server{
		trainer:  opts.Trainer,
		hub:      opts.Hub,
		store:    opts.Store,
		trend:    opts.Trend,
		gatherer: opts.Gatherer,
		metrics:  opts.Metrics,
		limiter:  rate.NewLimiter(rate.Limit(opts.ResponseRate), opts.ResponseBurst),
		logger:   logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(s.observe())
	SetupRoutes(router, s)
	s.router = router

	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
//
// # Outputs
//
//   - error: Nil after a clean shutdown, otherwise the listen or shutdown
//     error.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)

	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// observe records request metrics and logs each request with its trace.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		start := time.Now()
		s.metrics.Active(ctx, 1)

		c.Next()

		s.metrics.Active(ctx, -1)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordRequest(ctx, c.Request.Method, route, c.Writer.Status(), elapsed.Seconds())
		telemetry.LoggerWithTrace(ctx, s.logger).Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", elapsed),
		)
	}
}
