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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "contentpipe"

// PipelineMetrics holds every Prometheus metric the execution fabric emits.
// Initialize once at startup via InitMetrics.
type PipelineMetrics struct {
	StageDurationSeconds *prometheus.HistogramVec
	QueueDepth           *prometheus.GaugeVec
	RateLimiterWaitSeconds prometheus.Histogram
	CircuitBreakerState  *prometheus.GaugeVec
	RetriesTotal         *prometheus.CounterVec
	DeadLettersTotal     prometheus.Counter
	HeartbeatTickSeconds prometheus.Histogram
	TokensTotal          *prometheus.CounterVec
}

// Metrics is the process-wide metrics instance, populated by InitMetrics.
var Metrics *PipelineMetrics

// InitMetrics registers all pipeline metrics against the default registry.
// Panics if called twice (duplicate registration), matching promauto's
// own behaviour.
func InitMetrics() *PipelineMetrics {
	Metrics = &PipelineMetrics{
		StageDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of a pipeline stage by stage name",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Priority queue depth by priority level",
			},
			[]string{"priority"},
		),
		RateLimiterWaitSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limiter_wait_seconds",
				Help:      "Time spent waiting for rate limiter admission",
				Buckets:   prometheus.DefBuckets,
			},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state by model (0=closed, 1=open, 2=half_open)",
			},
			[]string{"model"},
		),
		RetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retries_total",
				Help:      "Total LLM generate retries by model",
			},
			[]string{"model"},
		),
		DeadLettersTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dead_letters_total",
				Help:      "Total projects moved to the dead-letter state",
			},
		),
		HeartbeatTickSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "heartbeat_tick_seconds",
				Help:      "Time to sweep all active manifests in one heartbeat tick",
				Buckets:   prometheus.DefBuckets,
			},
		),
		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "tokens_total",
				Help:      "Total tokens recorded by model",
			},
			[]string{"model"},
		),
	}
	return Metrics
}
