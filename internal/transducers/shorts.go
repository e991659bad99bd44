// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transducers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/queue"
)

const maxHooks = 5

// Hook is one short-form clip candidate extracted from the full script.
type Hook struct {
	Timestamp        string `json:"timestamp" validate:"required"`
	EmotionalTrigger string `json:"emotional_trigger" validate:"required"`
	CTA              string `json:"cta" validate:"required"`
}

// Shorts is the bounded set of hook candidates for one project.
type Shorts struct {
	Hooks []Hook `json:"hooks" validate:"max=5,dive"`
}

// GenerateShorts calls the LLM fabric at low priority (this stage is never
// on the critical path to rendering) and schema-validates the response,
// truncating to the configured maximum number of hooks regardless of how
// many the model returned.
func GenerateShorts(ctx context.Context, fabric *llm.Fabric, prompt string, req llm.GenerateRequest) (Shorts, llm.Result, error) {
	req.Priority = queue.Low
	result, err := fabric.Generate(ctx, prompt, req)
	if err != nil {
		return Shorts{}, result, err
	}

	var shorts Shorts
	if err := json.Unmarshal([]byte(result.Text), &shorts); err != nil {
		return Shorts{}, result, fmt.Errorf("transducers: shorts unmarshal: %w", err)
	}
	if len(shorts.Hooks) > maxHooks {
		shorts.Hooks = shorts.Hooks[:maxHooks]
	}
	if err := validate.Struct(shorts); err != nil {
		return Shorts{}, result, err
	}
	return shorts, result, nil
}
