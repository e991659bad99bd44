// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/yt-factory/orchestrator/internal/classifier"
)

// OpenAIAdapter wraps github.com/sashabaranov/go-openai behind the Client
// interface for a single named model.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

// NewOpenAIAdapter builds an adapter targeting model, authenticated with
// apiKey.
func NewOpenAIAdapter(apiKey, model string) *OpenAIAdapter {
	return &OpenAIAdapter{client: openai.NewClient(apiKey), model: model}
}

func (o *OpenAIAdapter) Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "You are a content-pipeline assistant. Follow the requested schema exactly."},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			reason := apiErr.Type
			if code, ok := apiErr.Code.(string); ok && code != "" {
				reason = code
			}
			return "", Usage{}, &classifier.ProviderError{
				Provider:   "openai",
				HTTPStatus: apiErr.HTTPStatusCode,
				Reason:     reason,
				Err:        err,
			}
		}
		return "", Usage{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai: returned no choices")
	}

	usage := Usage{Tokens: int64(resp.Usage.TotalTokens)}
	if usage.Tokens == 0 {
		usage.Tokens = EstimateTokens(prompt, resp.Choices[0].Message.Content)
		usage.Estimated = true
	}

	slog.Debug("openai generate complete", "model", o.model, "finish_reason", resp.Choices[0].FinishReason, "tokens", usage.Tokens)
	return resp.Choices[0].Message.Content, usage, nil
}

// EstimateTokens approximates a token count from character length when the
// provider does not report usage, per the fabric's ⌈(|prompt|+|response|)/4⌉
// rule of thumb.
func EstimateTokens(prompt, response string) int64 {
	return int64((len(prompt) + len(response) + 3) / 4)
}
