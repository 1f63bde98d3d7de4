// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry bootstraps OpenTelemetry for the trainer.
//
// Init configures the global TracerProvider and MeterProvider from a Config.
// Trace exporters are "otlp", "stdout" or "none"; metric exporters are
// "prometheus", "stdout" or "none". The Prometheus exporter registers on the
// caller's registry so the engine's client_golang metrics and the OTel
// instruments are served from one /metrics endpoint.
//
// # Usage
//
//	shutdown, err := telemetry.Init(ctx, cfg)
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
//
// # Logging
//
// LoggerWithTrace adds trace_id and span_id to a logger so log lines can be
// joined to spans.
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
