// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package breaker implements a Closed/Open/Half-Open circuit breaker that
// gates calls to a failing callee, plus a named registry so each model in
// an LLM fallback chain can be gated independently.
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time snapshot of a breaker's counters, attached to
// OpenError so callers can inspect why a circuit tripped without a second
// call back into the breaker.
type Stats struct {
	State           State
	ConsecutiveFail int
	ConsecutiveOK   int
	LastFailure     time.Time
	OpenedAt        time.Time
}

// OpenError is returned by Execute when the circuit is open. It carries a
// stats snapshot so the caller can decide how to log or classify the
// rejection without a further inspection call.
type OpenError struct {
	Name  string
	Stats Stats
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (failures=%d, since=%s)", e.Name, e.Stats.ConsecutiveFail, e.Stats.OpenedAt.Format(time.RFC3339))
}

// Config controls a breaker's thresholds and recovery timing.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the thresholds used when none are specified.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker gates calls to a single failing callee.
type Breaker struct {
	name   string
	config Config

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	lastFail  time.Time
	openedAt  time.Time
}

// New creates a breaker in the Closed state.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return &Breaker{name: name, config: config, state: Closed}
}

// Execute runs fn if the circuit allows it, and records the outcome.
// Returns *OpenError without calling fn if the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if !b.allow() {
		return &OpenError{Name: b.name, Stats: b.snapshot()}
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFail) > b.config.ResetTimeout {
			b.transitionTo(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure()
		return
	}
	b.recordSuccess()
}

func (b *Breaker) recordFailure() {
	b.failures++
	b.successes = 0
	b.lastFail = time.Now()

	switch b.state {
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(Open)
		}
	case HalfOpen:
		b.transitionTo(Open)
	}
}

func (b *Breaker) recordSuccess() {
	b.successes++
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if b.successes >= b.config.SuccessThreshold {
			b.failures = 0
			b.transitionTo(Closed)
		}
	}
}

func (b *Breaker) transitionTo(state State) {
	if b.state == state {
		return
	}
	b.state = state
	if state == Open {
		b.openedAt = time.Now()
	}
}

func (b *Breaker) snapshot() Stats {
	return Stats{
		State:           b.state,
		ConsecutiveFail: b.failures,
		ConsecutiveOK:   b.successes,
		LastFailure:     b.lastFail,
		OpenedAt:        b.openedAt,
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed, clearing all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
}
