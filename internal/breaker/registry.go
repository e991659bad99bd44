// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package breaker

import "sync"

// Registry lazily creates and holds one Breaker per model name, so one
// model's outage does not fast-fail attempts at a different model in the
// same fallback chain.
type Registry struct {
	defaultConfig Config
	breakers      map[string]*Breaker
	mu            sync.RWMutex
}

// NewRegistry creates an empty registry using defaultConfig for any breaker
// created via Get.
func NewRegistry(defaultConfig Config) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry's default
// config on first access.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = New(name, r.defaultConfig)
	r.breakers[name] = b
	return b
}

// States returns the current state of every breaker created so far, keyed
// by model name.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// ResetAll forces every breaker in the registry back to Closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
