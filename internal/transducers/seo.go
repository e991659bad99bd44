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
	"strings"

	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/queue"
)

// RegionSEO is one locale's title/description/tags for a video.
type RegionSEO struct {
	Region      string   `json:"region" validate:"required,len=2"`
	Title       string   `json:"title" validate:"required,max=100"`
	Description string   `json:"description" validate:"required,max=5000"`
	Tags        []string `json:"tags" validate:"required,min=1,max=30,dive,max=30"`
}

// SEO is the full multi-region SEO package for a video.
type SEO struct {
	Regions []RegionSEO `json:"regions" validate:"required,min=1,dive"`
}

// GenerateSEO folds keywords (already resolved by a prior trend-analysis
// stage) into the prompt and calls the LLM fabric to produce a validated
// multi-region SEO object. It does not itself touch the trend store —
// trend lookup and SEO generation are separately tracked pipeline stages.
func GenerateSEO(ctx context.Context, fabric *llm.Fabric, basePrompt string, keywords []string, req llm.GenerateRequest) (SEO, llm.Result, error) {
	prompt := basePrompt
	if len(keywords) > 0 {
		prompt = fmt.Sprintf("%s\n\nTrending keywords to weave in where relevant: %s", basePrompt, strings.Join(keywords, ", "))
	}

	req.Priority = queue.Medium
	result, err := fabric.Generate(ctx, prompt, req)
	if err != nil {
		return SEO{}, result, err
	}

	var seo SEO
	if err := json.Unmarshal([]byte(result.Text), &seo); err != nil {
		return SEO{}, result, fmt.Errorf("transducers: seo unmarshal: %w", err)
	}
	if err := validate.Struct(seo); err != nil {
		return SEO{}, result, err
	}
	return seo, result, nil
}
