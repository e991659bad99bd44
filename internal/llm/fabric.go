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
	"math/rand"
	"strings"
	"time"

	"github.com/yt-factory/orchestrator/internal/breaker"
	"github.com/yt-factory/orchestrator/internal/cost"
	"github.com/yt-factory/orchestrator/internal/pool"
	"github.com/yt-factory/orchestrator/internal/queue"
	"github.com/yt-factory/orchestrator/internal/ratelimit"
)

// ErrAllModelsFailed is wrapped into the final error returned by Generate
// when every model in the fallback chain exhausted its retries.
var ErrAllModelsFailed = errors.New("all models in the fallback chain failed")

// Model is one entry in the fallback chain, bound to its concrete client.
type Model struct {
	Name   string
	Client Client
	Strict bool
}

// Result is the successful outcome of Generate.
type Result struct {
	Text          string
	ModelUsed     string
	IsFallbackMode bool
	TokensUsed    int64
}

// GenerateRequest carries the per-call parameters Generate needs beyond
// the prompt itself.
type GenerateRequest struct {
	ProjectID      string
	Priority       queue.Priority
	MaxRetries     int
	PreferredModel string
	Params         GenerationParams
}

const degradationDirective = "Respond in plain language using the exact schema requested. Keep every field within its stated bounds. Use only the enumerated values listed for enum fields. Never emit a null value for a required field.\n\n"

// Fabric composes the priority queue, rate limiter, connection pool, cost
// ledger, and per-model circuit breakers into a single retrying,
// fallback-chain-aware Generate call.
type Fabric struct {
	chain    []Model
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	pool     *pool.Pool
	ledger   *cost.Ledger
	breakers *breaker.Registry
}

// New constructs a Fabric over chain, in fallback-chain order.
func New(chain []Model, q *queue.Queue, limiter *ratelimit.Limiter, p *pool.Pool, ledger *cost.Ledger, breakers *breaker.Registry) *Fabric {
	return &Fabric{chain: chain, queue: q, limiter: limiter, pool: p, ledger: ledger, breakers: breakers}
}

// Generate runs the full admission-to-response pipeline for one prompt:
// priority queue admission, rate limiter wait, pooled session acquire,
// then a model-fallback loop with per-model circuit breaking, retry with
// decorrelated-jitter backoff, and prompt degradation for fallback or
// strict models.
func (f *Fabric) Generate(ctx context.Context, prompt string, req GenerateRequest) (Result, error) {
	if err := f.queue.Enqueue(ctx, req.Priority); err != nil {
		return Result{}, fmt.Errorf("fabric: queue admission: %w", err)
	}
	defer f.queue.Dequeue()

	if err := f.limiter.Acquire(ctx); err != nil {
		return Result{}, fmt.Errorf("fabric: rate limiter: %w", err)
	}

	session, err := f.pool.Acquire(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fabric: connection pool: %w", err)
	}
	defer f.pool.Release(session)

	chain := f.orderedChain(req.PreferredModel)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for idx, model := range chain {
		isFallbackMode := idx > 0
		effectivePrompt := prompt
		if isFallbackMode || model.Strict {
			effectivePrompt = f.degrade(prompt, model.Strict)
		}

		text, usage, err := f.attemptWithRetry(ctx, model, effectivePrompt, req.Params, maxRetries)
		if err == nil {
			if f.ledger != nil {
				_ = f.ledger.Record(model.Name, usage.Tokens)
			}
			return Result{
				Text:           stripCodeFence(text),
				ModelUsed:      model.Name,
				IsFallbackMode: isFallbackMode,
				TokensUsed:     usage.Tokens,
			}, nil
		}
		lastErr = err
	}

	return Result{}, fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

func (f *Fabric) orderedChain(preferred string) []Model {
	if preferred == "" {
		return f.chain
	}
	for i, m := range f.chain {
		if m.Name == preferred {
			out := make([]Model, 0, len(f.chain))
			out = append(out, f.chain[i:]...)
			out = append(out, f.chain[:i]...)
			return out
		}
	}
	return f.chain
}

func (f *Fabric) degrade(prompt string, strict bool) string {
	var b strings.Builder
	b.WriteString(degradationDirective)
	if strict {
		b.WriteString("This model enforces a strict schema: enumerate every allowed enum value and field length limit explicitly in your response.\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

func (f *Fabric) attemptWithRetry(ctx context.Context, model Model, prompt string, params GenerationParams, maxRetries int) (string, Usage, error) {
	br := f.breakers.Get(model.Name)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var text string
		var usage Usage
		err := br.Execute(func() error {
			var innerErr error
			text, usage, innerErr = model.Client.Generate(ctx, prompt, params)
			return innerErr
		})
		if err == nil {
			return text, usage, nil
		}

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			return "", Usage{}, err
		}

		lastErr = err
		if attempt == maxRetries {
			break
		}
		if sleepErr := sleepWithBackoff(ctx, attempt); sleepErr != nil {
			return "", Usage{}, sleepErr
		}
	}
	return "", Usage{}, lastErr
}

// sleepWithBackoff implements base · 2^(n-1) · [0.5,1.0) decorrelated
// jitter backoff between retries of the same model.
func sleepWithBackoff(ctx context.Context, attempt int) error {
	const base = 500 * time.Millisecond
	factor := 0.5 + rand.Float64()*0.5
	wait := time.Duration(float64(base) * float64(uint64(1)<<(attempt-1)) * factor)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	t = strings.TrimPrefix(t, "```json")
	t = strings.TrimPrefix(t, "```")
	t = strings.TrimSuffix(t, "```")
	return strings.TrimSpace(t)
}
