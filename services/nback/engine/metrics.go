// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the trial engine.
//
// A nil *Metrics is valid and records nothing.
//
// Thread Safety: Safe for concurrent use (Prometheus metrics are thread-safe).
type Metrics struct {
	// TrialsTotal counts presented trials.
	TrialsTotal prometheus.Counter

	// OutcomesTotal counts scored outcomes by channel and outcome.
	OutcomesTotal *prometheus.CounterVec

	// BlocksTotal counts completed blocks by decision.
	BlocksTotal *prometheus.CounterVec

	// DroppedResponsesTotal counts ignored presses by reason.
	DroppedResponsesTotal *prometheus.CounterVec

	// CurrentN is the N of the running block.
	CurrentN prometheus.Gauge

	// RunState is the current RunState as an integer.
	RunState prometheus.Gauge

	// BlockAccuracy observes combined accuracy per completed block.
	BlockAccuracy prometheus.Histogram

	// ReactionSeconds observes hit reaction times by channel.
	ReactionSeconds *prometheus.HistogramVec

	// PresenterFailuresTotal counts recovered presenter and listener panics.
	PresenterFailuresTotal prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them with reg.
//
// Description:
//
//	Uses promauto.With(reg). A nil reg creates unregistered metrics, which
//	keeps tests that build several Controllers free of duplicate
//	registration panics.
//
// Inputs:
//   - reg: Registerer for the metrics. May be nil.
//
// Outputs:
//   - *Metrics: The created metrics. Never nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TrialsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "trials_total",
				Help:      "Total trials presented",
			},
		),

		OutcomesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "outcomes_total",
				Help:      "Total scored outcomes by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		BlocksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "blocks_total",
				Help:      "Total completed blocks by difficulty decision",
			},
			[]string{"decision"},
		),

		DroppedResponsesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "dropped_responses_total",
				Help:      "Total ignored response presses by reason",
			},
			[]string{"reason"},
		),

		CurrentN: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "current_n",
				Help:      "N of the running block",
			},
		),

		RunState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "run_state",
				Help:      "Current run state (0=idle, 1=running, 2=block_transition)",
			},
		),

		BlockAccuracy: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "block_accuracy",
				Help:      "Combined accuracy per completed block",
				Buckets:   []float64{0.1, 0.25, 0.4, 0.55, 0.65, 0.75, 0.85, 0.95, 1},
			},
		),

		ReactionSeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "reaction_seconds",
				Help:      "Hit reaction time by channel",
				Buckets:   []float64{0.2, 0.35, 0.5, 0.75, 1, 1.5, 2, 3},
			},
			[]string{"channel"},
		),

		PresenterFailuresTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "nback",
				Subsystem: "engine",
				Name:      "presenter_failures_total",
				Help:      "Total recovered presenter and listener panics",
			},
		),
	}
}

func (m *Metrics) trial() {
	if m == nil {
		return
	}
	m.TrialsTotal.Inc()
}

func (m *Metrics) outcome(ch Channel, o Outcome, rt time.Duration) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(ch.String(), o.String()).Inc()
	if o == OutcomeHit {
		m.ReactionSeconds.WithLabelValues(ch.String()).Observe(rt.Seconds())
	}
}

func (m *Metrics) block(r BlockResult) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(r.Decision.String()).Inc()
	m.BlockAccuracy.Observe(r.Accuracy)
}

func (m *Metrics) dropped(reason SubmitResult) {
	if m == nil {
		return
	}
	m.DroppedResponsesTotal.WithLabelValues(reason.String()).Inc()
}

func (m *Metrics) state(s RunState, n int) {
	if m == nil {
		return
	}
	m.RunState.Set(float64(s))
	m.CurrentN.Set(float64(n))
}

func (m *Metrics) presenterFailure() {
	if m == nil {
		return
	}
	m.PresenterFailuresTotal.Inc()
}
