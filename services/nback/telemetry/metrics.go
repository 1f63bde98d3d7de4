// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OTel instruments of the HTTP and WebSocket surface.
//
// Engine-level measurements (trials, outcomes, N) live in engine.Metrics;
// these cover the transport around it.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// HTTPRequestsTotal counts requests by method, route and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records request latency in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks in-flight requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// WebSocketConnections tracks open WebSocket clients.
	WebSocketConnections metric.Int64UpDownCounter

	// WebSocketMessagesTotal counts frames by direction (in, out, dropped).
	WebSocketMessagesTotal metric.Int64Counter

	// SessionsTotal counts sessions started through the server.
	SessionsTotal metric.Int64Counter

	// RateLimitedTotal counts responses rejected by a connection limiter.
	RateLimitedTotal metric.Int64Counter
}

// NewMetrics creates every instrument on meter.
//
// Inputs:
//
//	meter - The OTel meter, e.g. otel.Meter("nback.server").
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if an instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"nback_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"nback_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"nback_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	m.WebSocketConnections, err = meter.Int64UpDownCounter(
		"nback_websocket_connections",
		metric.WithDescription("Open WebSocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create websocket_connections: %w", err)
	}

	m.WebSocketMessagesTotal, err = meter.Int64Counter(
		"nback_websocket_messages_total",
		metric.WithDescription("WebSocket messages by direction"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create websocket_messages_total: %w", err)
	}

	m.SessionsTotal, err = meter.Int64Counter(
		"nback_sessions_started_total",
		metric.WithDescription("Sessions started through the server"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sessions_started_total: %w", err)
	}

	m.RateLimitedTotal, err = meter.Int64Counter(
		"nback_rate_limited_total",
		metric.WithDescription("Responses rejected by a rate limiter"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rate_limited_total: %w", err)
	}

	return m, nil
}

// RecordRequest records one finished HTTP request. Safe on a nil receiver.
func (m *Metrics) RecordRequest(ctx context.Context, method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

// Active adjusts the in-flight request gauge. Safe on a nil receiver.
func (m *Metrics) Active(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.HTTPActiveRequests.Add(ctx, delta)
}

// Connection adjusts the open WebSocket gauge. Safe on a nil receiver.
func (m *Metrics) Connection(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.WebSocketConnections.Add(ctx, delta)
}

// Message counts one WebSocket message. Safe on a nil receiver.
func (m *Metrics) Message(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.WebSocketMessagesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// SessionStarted counts one session start. Safe on a nil receiver.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionsTotal.Add(ctx, 1)
}

// RateLimited counts one rejected response. Safe on a nil receiver.
func (m *Metrics) RateLimited(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}
