// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package progress threads a trace id through the pipeline's ordered
// stages, timing each one and emitting the same stage-lifecycle event
// through structured logs, an OpenTelemetry span, and a Prometheus
// histogram.
package progress

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yt-factory/orchestrator/internal/telemetry"
)

var tracer = otel.Tracer("github.com/yt-factory/orchestrator/internal/progress")

// Stage is one of the nine ordered pipeline stages. AudioScriptGeneration
// is inserted before ManifestUpdate only when audio is enabled for the
// project.
type Stage string

const (
	StageInit                  Stage = "INIT"
	StageScriptGeneration      Stage = "SCRIPT_GENERATION"
	StageTrendAnalysis         Stage = "TREND_ANALYSIS"
	StageSEOGeneration         Stage = "SEO_GENERATION"
	StageShortsExtraction      Stage = "SHORTS_EXTRACTION"
	StageVoiceMatching         Stage = "VOICE_MATCHING"
	StageAudioScriptGeneration Stage = "AUDIO_SCRIPT_GENERATION"
	StageManifestUpdate        Stage = "MANIFEST_UPDATE"
	StageFinalization          Stage = "FINALIZATION"
)

type activeStage struct {
	stage   Stage
	started time.Time
	span    trace.Span
	ctx     context.Context
}

// Tracker is a trace-id scoped timer over one project's pipeline run.
type Tracker struct {
	projectID     string
	traceID       string
	pipelineStart time.Time

	active *activeStage
}

// New starts a Tracker for one project/trace pair. Callers should call
// LogPipelineStart immediately after.
func New(projectID, traceID string) *Tracker {
	return &Tracker{projectID: projectID, traceID: traceID, pipelineStart: time.Now()}
}

// LogPipelineStart emits the pipeline-level start event.
func (t *Tracker) LogPipelineStart(ctx context.Context) {
	slog.InfoContext(ctx, "pipeline start", "project_id", t.projectID, "trace_id", t.traceID)
}

// LogPipelineComplete emits the pipeline-level completion event with
// total elapsed time.
func (t *Tracker) LogPipelineComplete(ctx context.Context) {
	slog.InfoContext(ctx, "pipeline complete", "project_id", t.projectID, "trace_id", t.traceID, "elapsed_seconds", time.Since(t.pipelineStart).Seconds())
}

// LogPipelineError emits the pipeline-level error event.
func (t *Tracker) LogPipelineError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "pipeline error", "project_id", t.projectID, "trace_id", t.traceID, "error", err.Error(), "elapsed_seconds", time.Since(t.pipelineStart).Seconds())
}

// StartStage opens the span and timer for stage, returning a context
// carrying the span so downstream calls (e.g. the LLM fabric) attach to
// it.
func (t *Tracker) StartStage(ctx context.Context, stage Stage) context.Context {
	spanCtx, span := tracer.Start(ctx, string(stage), trace.WithAttributes(
		attribute.String("project_id", t.projectID),
		attribute.String("trace_id", t.traceID),
	))
	t.active = &activeStage{stage: stage, started: time.Now(), span: span, ctx: spanCtx}

	slog.InfoContext(spanCtx, "stage start", "project_id", t.projectID, "trace_id", t.traceID, "stage", string(stage), "elapsed_since_start_seconds", time.Since(t.pipelineStart).Seconds())
	return spanCtx
}

// CompleteStage closes the current stage's span and timer, records the
// duration to the ambient Prometheus histogram, and logs completion with
// stageContext attached as structured fields.
func (t *Tracker) CompleteStage(stageContext map[string]any) {
	if t.active == nil {
		return
	}
	duration := time.Since(t.active.started)
	stage := t.active.stage

	if telemetry.Metrics != nil {
		telemetry.Metrics.StageDurationSeconds.WithLabelValues(string(stage)).Observe(duration.Seconds())
	}
	t.active.span.SetStatus(codes.Ok, "")
	t.active.span.End()

	args := []any{"project_id", t.projectID, "trace_id", t.traceID, "stage", string(stage), "duration_seconds", duration.Seconds()}
	for k, v := range stageContext {
		args = append(args, k, v)
	}
	slog.InfoContext(t.active.ctx, "stage complete", args...)
	t.active = nil
}

// ErrorStage closes the current stage's span as an error, records the
// failure, and logs it.
func (t *Tracker) ErrorStage(err error) {
	if t.active == nil {
		return
	}
	duration := time.Since(t.active.started)
	stage := t.active.stage

	t.active.span.RecordError(err)
	t.active.span.SetStatus(codes.Error, err.Error())
	t.active.span.End()

	slog.ErrorContext(t.active.ctx, "stage error", "project_id", t.projectID, "trace_id", t.traceID, "stage", string(stage), "duration_seconds", duration.Seconds(), "error", err.Error())
	t.active = nil
}

// LogSubStep emits a structured log line within the current stage
// without closing it.
func (t *Tracker) LogSubStep(message string, fields map[string]any) {
	ctx := context.Background()
	if t.active != nil {
		ctx = t.active.ctx
	}
	args := []any{"project_id", t.projectID, "trace_id", t.traceID}
	if t.active != nil {
		args = append(args, "stage", string(t.active.stage))
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	slog.InfoContext(ctx, message, args...)
}
