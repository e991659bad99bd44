// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool implements a bounded pool of LLM-client sessions with
// lazy creation, liveness validation, warm-up, and drain.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDraining is returned by Acquire once Drain has been called.
var ErrDraining = errors.New("connection pool is draining")

// ErrAcquireTimeout is returned by Acquire when no session became available
// before the pool's configured acquire timeout elapsed.
var ErrAcquireTimeout = errors.New("timed out acquiring a pooled session")

// Session is a single pooled resource. Concrete LLM-client sessions
// implement this directly; the pool itself is agnostic to what Session
// actually does.
type Session interface {
	// Validate performs a liveness probe. A non-nil error means the
	// session must be destroyed rather than returned to the pool.
	Validate(ctx context.Context) error
	// Close releases any underlying resource (e.g. an HTTP client's
	// idle connections).
	Close() error
}

// Factory creates one new Session.
type Factory func(ctx context.Context) (Session, error)

// Config controls pool sizing and timing.
type Config struct {
	Min            int
	Max            int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration
}

type entry struct {
	session  Session
	lastUsed time.Time
}

// Pool is a bounded pool of Session values.
//
// Thread Safety: Safe for concurrent use.
type Pool struct {
	factory Factory
	cfg     Config

	mu       sync.Mutex
	idle     []*entry
	numOpen  int
	draining bool
	closed   chan struct{}
}

// New constructs a Pool. No sessions are opened until WarmUp or the first
// Acquire.
func New(factory Factory, cfg Config) *Pool {
	if cfg.Max <= 0 {
		cfg.Max = 1
	}
	if cfg.Min > cfg.Max {
		cfg.Min = cfg.Max
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &Pool{factory: factory, cfg: cfg, closed: make(chan struct{})}
}

// WarmUp opens up to cfg.Min sessions synchronously. Callers (the ingress
// watcher, in particular) must wait for WarmUp to complete before enabling
// any feature that depends on the pool, so the first real request is not
// the one paying connection-setup latency.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.mu.Lock()
	target := p.cfg.Min
	p.mu.Unlock()

	for i := 0; i < target; i++ {
		s, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("pool warm-up: session %d/%d: %w", i+1, target, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, &entry{session: s, lastUsed: time.Now()})
		p.numOpen++
		p.mu.Unlock()
	}
	return nil
}

// Acquire returns a validated Session, creating a new one if the pool is
// below Max and no idle session is available. The caller must call
// Release exactly once with the returned session.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	for {
		p.mu.Lock()
		if p.draining {
			p.mu.Unlock()
			return nil, ErrDraining
		}

		for len(p.idle) > 0 {
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			p.mu.Unlock()

			if err := e.session.Validate(ctx); err != nil {
				_ = e.session.Close()
				p.mu.Lock()
				p.numOpen--
				continue
			}
			return e.session, nil
		}

		if p.numOpen < p.cfg.Max {
			p.numOpen++
			p.mu.Unlock()
			s, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.numOpen--
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: create session: %w", err)
			}
			return s, nil
		}
		p.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Release returns session to the idle pool, or destroys it if the pool is
// draining.
func (p *Pool) Release(session Session) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		_ = session.Close()
		return
	}
	p.idle = append(p.idle, &entry{session: session, lastUsed: time.Now()})
	p.mu.Unlock()
}

// Drain refuses new acquires and destroys every currently idle session.
// In-flight sessions are destroyed as they are returned via Release.
func (p *Pool) Drain() {
	p.mu.Lock()
	p.draining = true
	idle := p.idle
	p.idle = nil
	p.numOpen -= len(idle)
	p.mu.Unlock()

	for _, e := range idle {
		_ = e.session.Close()
	}
}

// Stats reports the current idle and open session counts.
func (p *Pool) Stats() (idle, open int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.numOpen
}
