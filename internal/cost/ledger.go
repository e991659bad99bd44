// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cost implements the process-wide token and dollar accounting
// ledger, persisted on every record, with per-project accounting derived
// as a delta against a captured global snapshot.
package cost

import (
	"errors"
	"os"
	"sync"

	"github.com/yt-factory/orchestrator/internal/storeutil"
)

// PricePerThousandTokens is the static per-model pricing table. Unknown
// models fall back to the "default" entry.
var PricePerThousandTokens = map[string]float64{
	"gpt-4o":      0.0050,
	"gpt-4o-mini": 0.00015,
	"gpt-4-turbo": 0.0100,
	"default":     0.0020,
}

// Snapshot is an immutable, additive view of the ledger at a point in
// time. TokensByModel and APICallsByModel are independent counters
// captured from the same record calls; they are not reconciled against
// each other, matching the source ledger's own accounting.
type Snapshot struct {
	TotalTokens      int64            `json:"total_tokens"`
	TokensByModel    map[string]int64 `json:"tokens_by_model"`
	APICalls         int64            `json:"api_calls"`
	APICallsByModel  map[string]int64 `json:"api_calls_by_model"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd"`
}

func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		TotalTokens:      s.TotalTokens,
		APICalls:         s.APICalls,
		EstimatedCostUSD: s.EstimatedCostUSD,
		TokensByModel:    make(map[string]int64, len(s.TokensByModel)),
		APICallsByModel:  make(map[string]int64, len(s.APICallsByModel)),
	}
	for k, v := range s.TokensByModel {
		out.TokensByModel[k] = v
	}
	for k, v := range s.APICallsByModel {
		out.APICallsByModel[k] = v
	}
	return out
}

// Delta returns the per-model and total differences between s and a
// snapshot captured earlier (before), for per-project cost accounting.
func (s Snapshot) Delta(before Snapshot) Snapshot {
	out := Snapshot{
		TotalTokens:      s.TotalTokens - before.TotalTokens,
		APICalls:         s.APICalls - before.APICalls,
		EstimatedCostUSD: s.EstimatedCostUSD - before.EstimatedCostUSD,
		TokensByModel:    make(map[string]int64),
		APICallsByModel:  make(map[string]int64),
	}
	for model, n := range s.TokensByModel {
		out.TokensByModel[model] = n - before.TokensByModel[model]
	}
	for model, n := range s.APICallsByModel {
		out.APICallsByModel[model] = n - before.APICallsByModel[model]
	}
	return out
}

// Ledger is the process-owned, in-memory additive cost ledger. Persisted
// synchronously on every Record call: Record returns only after the
// snapshot file has been written. There is no background writer.
type Ledger struct {
	path string

	mu       sync.Mutex
	snapshot Snapshot
}

// New constructs a Ledger that persists to path on every Record.
func New(path string) *Ledger {
	return &Ledger{
		path: path,
		snapshot: Snapshot{
			TokensByModel:   make(map[string]int64),
			APICallsByModel: make(map[string]int64),
		},
	}
}

// Load restores a previously persisted ledger from path, if it exists.
// A missing file is not an error; the ledger simply starts at zero.
func Load(path string) (*Ledger, error) {
	l := New(path)
	if err := storeutil.ReadJSON(path, &l.snapshot); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, err
	}
	if l.snapshot.TokensByModel == nil {
		l.snapshot.TokensByModel = make(map[string]int64)
	}
	if l.snapshot.APICallsByModel == nil {
		l.snapshot.APICallsByModel = make(map[string]int64)
	}
	return l, nil
}

// Record adds tokens used against model to the ledger's running totals,
// updates the dollar estimate, and persists the new snapshot. Persistence
// failures are returned to the caller rather than silently swallowed,
// since a lost cost record is a correctness issue for billing.
func (l *Ledger) Record(model string, tokens int64) error {
	l.mu.Lock()
	l.snapshot.TotalTokens += tokens
	l.snapshot.TokensByModel[model] += tokens
	l.snapshot.APICalls++
	l.snapshot.APICallsByModel[model]++
	l.snapshot.EstimatedCostUSD += price(model) * float64(tokens) / 1000.0
	toSave := l.snapshot.clone()
	l.mu.Unlock()

	return storeutil.WriteJSONAtomic(l.path, toSave)
}

// Snapshot returns an immutable copy of the ledger's current totals.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot.clone()
}

func price(model string) float64 {
	if p, ok := PricePerThousandTokens[model]; ok {
		return p
	}
	return PricePerThousandTokens["default"]
}
