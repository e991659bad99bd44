// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit provides a jittered token-bucket admission gate for
// the LLM fabric, so every caller of a shared provider ceiling does not
// wake up at exactly the same instant after a throttle.
package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter wraps golang.org/x/time/rate.Limiter with multiplicative jitter
// on waits and a whole-token Available count (the bucket's fractional
// level, floored). Parameters are fixed at construction time; none may change
// afterward.
type Limiter struct {
	rl           *rate.Limiter
	maxTokens    float64
	refillPerSec float64
	jitterFactor float64

	mu    sync.Mutex
	rng   *rand.Rand
}

// New constructs a Limiter admitting up to maxTokens in a burst, refilling
// at refillPerSec tokens/second, with uniform multiplicative jitter of
// jitterFactor applied to any computed wait (e.g. 0.2 for ±20%).
func New(maxTokens, refillPerSec, jitterFactor float64) *Limiter {
	return &Limiter{
		rl:           rate.NewLimiter(rate.Limit(refillPerSec), int(math.Max(1, maxTokens))),
		maxTokens:    maxTokens,
		refillPerSec: refillPerSec,
		jitterFactor: jitterFactor,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire reserves one token up front and, if the reservation carries a
// delay, sleeps for that delay with jitter applied, then returns. The
// bucket is not checked again after the sleep, so with a jitter factor
// above zero a call can return before its reserved token's scheduled time.
// Cancelling ctx during the sleep cancels the reservation.
func (l *Limiter) Acquire(ctx context.Context) error {
	reservation := l.rl.Reserve()
	if !reservation.OK() {
		reservation.Cancel()
		return context.DeadlineExceeded
	}
	wait := reservation.Delay()
	if wait <= 0 {
		return nil
	}

	jittered := l.applyJitter(wait)
	timer := time.NewTimer(jittered)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}

func (l *Limiter) applyJitter(d time.Duration) time.Duration {
	l.mu.Lock()
	factor := 1 - l.jitterFactor + l.rng.Float64()*2*l.jitterFactor
	l.mu.Unlock()
	return time.Duration(float64(d) * factor)
}

// Available returns the integer number of tokens currently in the bucket,
// i.e. how many Acquire calls could be satisfied right now without
// waiting.
func (l *Limiter) Available() int {
	now := time.Now()
	// TokensAt reports the bucket state as of "now" without consuming any.
	return int(math.Floor(l.rl.TokensAt(now)))
}
