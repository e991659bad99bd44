// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the provider-agnostic LLMClient interface, the
// OpenAI and mock adapters that implement it, and the call fabric that
// composes the rate limiter, priority queue, connection pool, cost
// ledger, and circuit breaker registry into a single retrying,
// fallback-chain-aware Generate call.
package llm

import "context"

// Usage reports token counts for a single Generate call. Tokens is the
// provider-reported total when available; Estimated is true when the
// adapter had to fall back to a length-based estimate instead.
type Usage struct {
	Tokens    int64
	Estimated bool
}

// GenerationParams carries the optional knobs a caller may set on a
// single Generate call.
type GenerationParams struct {
	Temperature *float32
	MaxTokens   *int
	TopP        *float32
	Stop        []string
}

// Client is the single interface every provider adapter implements.
// Concrete adapters: the OpenAI adapter (openai.go) and the mock adapter
// (mock.go) used under MOCK_MODE.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, Usage, error)
}
