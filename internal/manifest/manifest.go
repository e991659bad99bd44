// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest defines the durable, schema-validated Manifest record
// and the store that persists it one file per project.
package manifest

import (
	"time"
)

// Status is the project's position in the state machine (internal/statemachine
// owns the transition table; this package only declares the enum).
type Status string

const (
	StatusPending         Status = "pending"
	StatusAnalyzing       Status = "analyzing"
	StatusPendingAudio    Status = "pending_audio"
	StatusRendering       Status = "rendering"
	StatusUploading       Status = "uploading"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusStaleRecovered  Status = "stale_recovered"
	StatusDegradedRetry   Status = "degraded_retry"
	StatusDeadLetter      Status = "dead_letter"
)

// InputSource is the immutable record of what was ingested.
type InputSource struct {
	Path            string `json:"path" validate:"required"`
	RawContent      string `json:"raw_content"`
	DetectedLanguage string `json:"detected_language" validate:"required,len=2"`
	WordCount       int    `json:"word_count" validate:"gte=0"`
}

// ErrorRecord is one entry in meta.error_history.
type ErrorRecord struct {
	Kind      string    `json:"kind" validate:"oneof=validation provider_api network filesystem unknown"`
	Code      string    `json:"code"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message" validate:"required"`
	Timestamp time.Time `json:"timestamp"`
}

// LastError is meta.error: the single most recent failure, kept alongside
// the append-only ErrorHistory trail rather than derived from it so a
// reader never has to assume history's last element is the current one.
type LastError struct {
	Kind      string    `json:"kind"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Meta is the mutable accounting bag threaded through every pipeline
// stage.
type Meta struct {
	RetryCount       int           `json:"retry_count" validate:"gte=0"`
	StaleRecoveries  int           `json:"stale_recoveries" validate:"gte=0"`
	UsedModels       []string      `json:"used_models"`
	CurrentModel     string        `json:"current_model"`
	IsDegraded       bool          `json:"is_degraded"`
	IsFallbackMode   bool          `json:"is_fallback_mode"`
	IsDeadLetter     bool          `json:"is_dead_letter"`
	CostDelta        CostDelta     `json:"cost_delta"`
	Error            *LastError    `json:"error,omitempty"`
	ErrorFingerprint string        `json:"error_fingerprint,omitempty"`
	ErrorHistory     []ErrorRecord `json:"error_history" validate:"dive"`
	ContentHash      string        `json:"content_hash"`
}

// CostDelta mirrors cost.Snapshot's shape for the per-project delta
// embedded in the manifest (kept as its own type so this package does not
// depend on internal/cost).
type CostDelta struct {
	TotalTokens      int64            `json:"total_tokens" validate:"gte=0"`
	TokensByModel    map[string]int64 `json:"tokens_by_model"`
	APICalls         int64            `json:"api_calls" validate:"gte=0"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd" validate:"gte=0"`
}

// Manifest is the durable, schema-validated record of one project.
type Manifest struct {
	ID          string      `json:"id" validate:"required,uuid4"`
	TraceID     string      `json:"trace_id" validate:"required,uuid4"`
	CreatedAt   time.Time   `json:"created_at" validate:"required"`
	UpdatedAt   time.Time   `json:"updated_at" validate:"required"`
	Status      Status      `json:"status" validate:"oneof=pending analyzing pending_audio rendering uploading completed failed stale_recovered degraded_retry dead_letter"`
	InputSource InputSource `json:"input_source" validate:"required"`
	Meta        Meta        `json:"meta"`

	// Outputs accumulated from pipeline stages. Left untyped-by-stage
	// deliberately: the concrete shape of script/SEO/shorts payloads is
	// owned by the transducers that produce them (internal/transducers),
	// not by the manifest schema.
	Outputs map[string]any `json:"outputs,omitempty"`
}
