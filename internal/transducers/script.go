// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transducers holds the pure, single-purpose collaborators the
// pipeline driver calls out to for script, SEO, shorts, voice-matching,
// and audio concerns. Their business heuristics are out of scope; only
// the contracts and schema validation they owe the driver live here.
package transducers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/queue"
)

var validate = validator.New()

// ScriptSegment is one beat of a generated video script. VisualHint's
// oneof tag is the closed shot-direction set; a mismatch surfaces through
// the same typed validator.ValidationErrors path the classifier inspects.
type ScriptSegment struct {
	Timestamp                string `json:"timestamp" validate:"required"`
	Voiceover                string `json:"voiceover" validate:"required"`
	VisualHint               string `json:"visual_hint" validate:"required,oneof=talking_head b_roll on_screen_text chart stock_footage"`
	EstimatedDurationSeconds int    `json:"estimated_duration_seconds" validate:"gt=0"`
}

// Script is the full generated video script.
type Script struct {
	Segments []ScriptSegment `json:"segments" validate:"required,min=1,dive"`
}

// GenerateScript calls the LLM fabric at high priority and schema-validates
// the JSON response into a Script.
func GenerateScript(ctx context.Context, fabric *llm.Fabric, prompt string, req llm.GenerateRequest) (Script, llm.Result, error) {
	req.Priority = queue.High
	result, err := fabric.Generate(ctx, prompt, req)
	if err != nil {
		return Script{}, result, err
	}

	var script Script
	if err := json.Unmarshal([]byte(result.Text), &script); err != nil {
		return Script{}, result, fmt.Errorf("transducers: script unmarshal: %w", err)
	}
	if err := validate.Struct(script); err != nil {
		return Script{}, result, err
	}
	return script, result, nil
}
