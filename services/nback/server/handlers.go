// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/DualNBack/services/nback/engine"
	"github.com/AleutianAI/DualNBack/services/nback/progress"
	"github.com/AleutianAI/DualNBack/services/nback/scoring"
	"github.com/AleutianAI/DualNBack/services/nback/storage"
	"github.com/AleutianAI/DualNBack/services/nback/telemetry"
)

const tracerName = "nback.server"

// =============================================================================
// Request / response types
// =============================================================================

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Snapshot engine.Snapshot `json:"snapshot"`
	Trend    *progress.Trend `json:"trend,omitempty"`
	Clients  int             `json:"clients"`
}

// ResetRequest is the optional body of POST /reset.
type ResetRequest struct {
	// N restarts the block at this level. Nil keeps the current N.
	N *int `json:"n" binding:"omitempty,gte=1"`
}

// ConfigRequest is the body of PATCH /config. Nil fields are unchanged.
// Durations are milliseconds. Out-of-range values are clamped by the engine.
type ConfigRequest struct {
	N                *int     `json:"n" binding:"omitempty,gte=1"`
	TickIntervalMS   *int64   `json:"tick_interval_ms" binding:"omitempty,gt=0"`
	TrialsPerBlock   *int     `json:"trials_per_block" binding:"omitempty,gte=1"`
	ResponseWindowMS *int64   `json:"response_window_ms" binding:"omitempty,gte=0"`
	WindowMarginMS   *int64   `json:"window_margin_ms" binding:"omitempty,gte=0"`
	BlockPauseMS     *int64   `json:"block_pause_ms" binding:"omitempty,gte=0"`
	Adaptive         *bool    `json:"adaptive"`
	TargetRate       *float64 `json:"target_rate" binding:"omitempty,gte=0,lte=1"`
}

// Patch converts r to an engine patch.
func (r ConfigRequest) Patch() engine.ConfigPatch {
	return engine.ConfigPatch{
		N:              r.N,
		TickInterval:   millis(r.TickIntervalMS),
		TrialsPerBlock: r.TrialsPerBlock,
		ResponseWindow: millis(r.ResponseWindowMS),
		WindowMargin:   millis(r.WindowMarginMS),
		BlockPause:     millis(r.BlockPauseMS),
		Adaptive:       r.Adaptive,
		TargetRate:     r.TargetRate,
	}
}

func millis(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

// ResultsResponse is returned by GET /results.
type ResultsResponse struct {
	Results []engine.BlockResult `json:"results"`
	Summary scoring.Summary      `json:"summary"`
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := StatusResponse{
		Snapshot: s.trainer.Snapshot(),
		Clients:  s.hub.Len(),
	}
	if s.trend != nil {
		t := s.trend.Trend()
		resp.Trend = &t
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStart(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), tracerName, "Server.Start")
	defer span.End()

	started := s.trainer.Start()
	snap := s.trainer.Snapshot()
	span.SetAttributes(
		attribute.Bool("nback.started", started),
		attribute.String("nback.session_id", snap.SessionID),
		attribute.Int("nback.n", snap.N),
	)
	if started {
		s.metrics.SessionStarted(ctx)
		telemetry.LoggerWithTrace(ctx, s.logger).Info("session started",
			slog.String("session_id", snap.SessionID), slog.Int("n", snap.N))
	}
	telemetry.SetSpanOK(span)
	c.JSON(http.StatusOK, gin.H{"started": started, "snapshot": snap})
}

func (s *Server) handleStop(c *gin.Context) {
	ctx, span := telemetry.StartSpan(c.Request.Context(), tracerName, "Server.Stop")
	defer span.End()

	stopped := s.trainer.Stop()
	span.SetAttributes(attribute.Bool("nback.stopped", stopped))
	if stopped {
		telemetry.LoggerWithTrace(ctx, s.logger).Info("session stopped")
	}
	telemetry.SetSpanOK(span)
	c.JSON(http.StatusOK, gin.H{"stopped": stopped, "snapshot": s.trainer.Snapshot()})
}

func (s *Server) handleReset(c *gin.Context) {
	_, span := telemetry.StartSpan(c.Request.Context(), tracerName, "Server.ResetBlock")
	defer span.End()

	var req ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		telemetry.RecordError(span, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.N != nil {
		span.SetAttributes(attribute.Int("nback.n", *req.N))
		s.trainer.ResetBlockWithN(*req.N)
	} else {
		s.trainer.ResetBlock()
	}
	telemetry.SetSpanOK(span)
	c.JSON(http.StatusOK, gin.H{"snapshot": s.trainer.Snapshot()})
}

func (s *Server) handleConfig(c *gin.Context) {
	_, span := telemetry.StartSpan(c.Request.Context(), tracerName, "Server.SetConfig")
	defer span.End()

	var req ConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		telemetry.RecordError(span, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch := req.Patch()
	if patch.IsEmpty() {
		telemetry.RecordErrorf(span, "config patch names no fields")
		c.JSON(http.StatusBadRequest, gin.H{"error": "no configuration fields provided"})
		return
	}
	applied := s.trainer.SetConfig(patch)
	span.SetAttributes(
		attribute.Int("nback.pending_n", applied.N),
		attribute.Bool("nback.n_changed", patch.N != nil),
	)
	telemetry.SetSpanOK(span)
	c.JSON(http.StatusOK, gin.H{"config": applied})
}

func (s *Server) handleRespond(c *gin.Context) {
	name := c.Param("channel")
	ch, err := engine.ParseChannel(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.limiter.Allow() {
		s.metrics.RateLimited(c.Request.Context(), ch.String())
		c.JSON(http.StatusTooManyRequests, gin.H{"error": ErrRateLimited.Error()})
		return
	}
	result := s.trainer.SubmitResponse(ch)
	c.JSON(http.StatusOK, gin.H{"channel": ch, "result": result})
}

func (s *Server) handleResults(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoStorage.Error()})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	var results []engine.BlockResult
	var err error
	if session := c.Query("session"); session != "" {
		results, err = s.store.ListSession(ctx, session)
		if err == nil && limit > 0 && len(results) > limit {
			results = results[len(results)-limit:]
		}
	} else {
		results, err = s.store.Recent(ctx, limit)
	}
	if err != nil {
		s.storageError(c, err)
		return
	}
	if results == nil {
		results = []engine.BlockResult{}
	}
	c.JSON(http.StatusOK, ResultsResponse{Results: results, Summary: scoring.Summarize(results)})
}

func (s *Server) handleSessions(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoStorage.Error()})
		return
	}
	sessions, err := s.store.Sessions(c.Request.Context())
	if err != nil {
		s.storageError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrNoStorage.Error()})
		return
	}
	id := c.Param("sessionId")
	ctx, span := telemetry.StartSpan(c.Request.Context(), tracerName, "Server.DeleteSession",
		trace.WithAttributes(attribute.String("nback.session_id", id)))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	n, err := s.store.DeleteSession(ctx, id)
	if err != nil {
		telemetry.RecordError(span, err)
		s.storageError(c, err)
		return
	}
	span.SetAttributes(attribute.Int("nback.deleted", n))
	telemetry.SetSpanOK(span)
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// storageError maps err to a response. Internal failures carry the trace id
// so that a client report can be matched to the server log.
func (s *Server) storageError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrEmptySession) || errors.Is(err, storage.ErrInvalidSession) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	telemetry.LoggerWithTrace(ctx, s.logger).Error("storage request failed", slog.String("error", err.Error()))
	body := gin.H{"error": "storage failure"}
	if id := telemetry.TraceID(ctx); id != "" {
		body["trace_id"] = id
	}
	c.JSON(http.StatusInternalServerError, body)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request, s.handleClientMessage)
}

// handleClientMessage answers one WebSocket frame.
func (s *Server) handleClientMessage(msg ClientMessage) *Message {
	switch msg.Action {
	case ActionRespond:
		ch, err := engine.ParseChannel(msg.Channel)
		if err != nil {
			return &Message{Type: MessageError, Channel: msg.Channel, Error: err.Error()}
		}
		result := s.trainer.SubmitResponse(ch)
		return &Message{Type: MessageResponse, Channel: ch.String(), Result: result.String()}

	case ActionSnapshot:
		snap := s.trainer.Snapshot()
		return &Message{Type: MessageSnapshot, Snapshot: &snap}

	default:
		return &Message{Type: MessageError, Error: "unknown action " + strconv.Quote(msg.Action)}
	}
}
