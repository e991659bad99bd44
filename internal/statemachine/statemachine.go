// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package statemachine owns the project status transition table, the
// manifest store writes that accompany every transition, and the
// heartbeat sweep that detects and recovers stale projects.
package statemachine

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/yt-factory/orchestrator/internal/classifier"
	"github.com/yt-factory/orchestrator/internal/manifest"
	"github.com/yt-factory/orchestrator/internal/storeutil"
)

// allowed is the full transition table. An empty target set means the
// source status is terminal.
var allowed = map[manifest.Status][]manifest.Status{
	manifest.StatusPending: {
		manifest.StatusAnalyzing,
	},
	manifest.StatusAnalyzing: {
		manifest.StatusPendingAudio, manifest.StatusRendering, manifest.StatusFailed,
		manifest.StatusStaleRecovered, manifest.StatusDegradedRetry, manifest.StatusDeadLetter,
	},
	manifest.StatusPendingAudio: {
		manifest.StatusRendering, manifest.StatusFailed, manifest.StatusStaleRecovered, manifest.StatusDeadLetter,
	},
	manifest.StatusRendering: {
		manifest.StatusUploading, manifest.StatusFailed, manifest.StatusStaleRecovered, manifest.StatusDeadLetter,
	},
	manifest.StatusUploading: {
		manifest.StatusCompleted, manifest.StatusFailed, manifest.StatusStaleRecovered, manifest.StatusDeadLetter,
	},
	manifest.StatusFailed: {
		manifest.StatusPending, manifest.StatusDeadLetter,
	},
	manifest.StatusStaleRecovered: {
		manifest.StatusPending,
	},
	manifest.StatusDegradedRetry: {
		manifest.StatusAnalyzing, manifest.StatusFailed, manifest.StatusDeadLetter,
	},
	manifest.StatusCompleted:  {},
	manifest.StatusDeadLetter: {},
}

// TransitionError is returned by Transition when target is not reachable
// from the manifest's current status.
type TransitionError struct {
	From manifest.Status
	To   manifest.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

func isAllowed(from, to manifest.Status) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StaleThresholds holds the per-status staleness window; zero means "not
// monitored".
type StaleThresholds struct {
	Analyzing     time.Duration
	Rendering     time.Duration
	Uploading     time.Duration
	DegradedRetry time.Duration
}

func (t StaleThresholds) thresholdFor(status manifest.Status) time.Duration {
	switch status {
	case manifest.StatusAnalyzing:
		return t.Analyzing
	case manifest.StatusRendering:
		return t.Rendering
	case manifest.StatusUploading:
		return t.Uploading
	case manifest.StatusDegradedRetry:
		return t.DegradedRetry
	default:
		return 0
	}
}

// ChainModel is the subset of a fallback-chain entry HandleError's degrade
// decision needs: its name, for meta.used_models bookkeeping, and whether
// it enforces a strict schema, for meta.is_degraded.
type ChainModel struct {
	Name   string
	Strict bool
}

// Machine owns the transition table and heartbeat-driven stale recovery
// for every manifest in the store.
type Machine struct {
	store              *manifest.Store
	thresholds         StaleThresholds
	maxRetries         int
	maxStaleRecoveries int
	deadLetterDir      string
	alertsLogPath      string
}

// New constructs a Machine over store. deadLetterDir and alertsLogPath may
// be empty, in which case dead-lettering skips the snapshot/alert side
// effects and only persists the status change.
func New(store *manifest.Store, thresholds StaleThresholds, maxRetries, maxStaleRecoveries int, deadLetterDir, alertsLogPath string) *Machine {
	return &Machine{
		store:              store,
		thresholds:         thresholds,
		maxRetries:         maxRetries,
		maxStaleRecoveries: maxStaleRecoveries,
		deadLetterDir:      deadLetterDir,
		alertsLogPath:      alertsLogPath,
	}
}

// CreateProject validates and persists a brand-new manifest in the
// pending status.
func (m *Machine) CreateProject(mf manifest.Manifest) error {
	mf.Status = manifest.StatusPending
	return m.store.Create(mf)
}

// Transition moves the project id from its current status to target,
// failing with a *TransitionError if that move is not in the allowed
// table.
func (m *Machine) Transition(id string, target manifest.Status) (manifest.Manifest, error) {
	return m.store.Update(id, func(mf *manifest.Manifest) error {
		if !isAllowed(mf.Status, target) {
			return &TransitionError{From: mf.Status, To: target}
		}
		mf.Status = target
		return nil
	})
}

// RecordRetry increments the project's retry counter, dead-lettering it
// once the counter reaches the configured maximum.
func (m *Machine) RecordRetry(id string) (manifest.Manifest, error) {
	mf, err := m.store.Update(id, func(mf *manifest.Manifest) error {
		mf.Meta.RetryCount++
		if mf.Meta.RetryCount >= m.maxRetries {
			if !isAllowed(mf.Status, manifest.StatusDeadLetter) {
				return &TransitionError{From: mf.Status, To: manifest.StatusDeadLetter}
			}
			mf.Status = manifest.StatusDeadLetter
			mf.Meta.IsDeadLetter = true
		}
		return nil
	})
	if err == nil && mf.Status == manifest.StatusDeadLetter {
		m.deadLetter(mf, "retry budget exceeded")
	}
	return mf, err
}

// SweepStale scans every manifest under ids for staleness against the
// configured per-status thresholds, transitioning any stuck project to
// stale_recovered (or failed, with an error describing the cap, once
// MaxStaleRecoveries is exceeded). Returns the ids it recovered.
func (m *Machine) SweepStale(ids []string) ([]string, error) {
	var recovered []string
	for _, id := range ids {
		mf, err := m.store.Load(id)
		if err != nil {
			continue
		}
		threshold := m.thresholds.thresholdFor(mf.Status)
		if threshold == 0 {
			continue
		}
		if time.Since(mf.UpdatedAt) < threshold {
			continue
		}

		if _, err := m.recoverOrFail(mf); err != nil {
			return recovered, err
		}
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// HandleError is the sole entry point for a stage failure. It classifies
// err, appends it to the manifest's error history, and picks one of three
// outcomes per the error handling design: degrade to the next unused
// model in chain (status degraded_retry; re-entry to analyzing happens on
// the next heartbeat pass or an operator Replay, mirroring how
// stale_recovered rests before re-entering as pending), retry at the same
// model (status failed, retry_count++, dead-lettering once retry_count
// reaches MaxRetries),
// or — if the project is already past its retry budget, or the fallback
// chain is exhausted — dead-letter directly.
func (m *Machine) HandleError(id string, stageErr error, chain []ChainModel) (manifest.Manifest, error) {
	fp := classifier.Classify(stageErr)

	mf, err := m.store.Load(id)
	if err != nil {
		return manifest.Manifest{}, err
	}

	now := time.Now()
	record := manifest.ErrorRecord{
		Kind:      string(fp.Kind),
		Code:      fp.Code,
		Path:      fp.Path,
		Message:   fp.Message,
		Timestamp: now,
	}
	lastErr := &manifest.LastError{Kind: string(fp.Kind), Code: fp.Code, Message: fp.Message, Timestamp: now}

	if classifier.ShouldDegrade(fp, mf, len(chain)) {
		next, ok := nextUnusedModel(chain, mf.Meta.UsedModels, mf.Meta.CurrentModel)
		if !ok {
			deadLettered, err := m.store.Update(id, func(x *manifest.Manifest) error {
				x.Meta.ErrorHistory = append(x.Meta.ErrorHistory, record)
				x.Meta.Error = lastErr
				x.Meta.ErrorFingerprint = fingerprintKey(fp)
				x.Meta.UsedModels = appendUsed(x.Meta.UsedModels, x.Meta.CurrentModel)
				if !isAllowed(x.Status, manifest.StatusDeadLetter) {
					return &TransitionError{From: x.Status, To: manifest.StatusDeadLetter}
				}
				x.Status = manifest.StatusDeadLetter
				x.Meta.IsDeadLetter = true
				return nil
			})
			if err == nil {
				m.deadLetter(deadLettered, "fallback chain exhausted")
			}
			return deadLettered, err
		}

		return m.store.Update(id, func(x *manifest.Manifest) error {
			x.Meta.ErrorHistory = append(x.Meta.ErrorHistory, record)
			x.Meta.Error = lastErr
			x.Meta.ErrorFingerprint = fingerprintKey(fp)
			if !isAllowed(x.Status, manifest.StatusDegradedRetry) {
				return &TransitionError{From: x.Status, To: manifest.StatusDegradedRetry}
			}
			x.Meta.UsedModels = appendUsed(x.Meta.UsedModels, x.Meta.CurrentModel)
			x.Meta.CurrentModel = next.Name
			x.Meta.IsDegraded = next.Strict
			x.Meta.IsFallbackMode = true
			x.Status = manifest.StatusDegradedRetry
			return nil
		})
	}

	if _, err := m.store.Update(id, func(x *manifest.Manifest) error {
		x.Meta.ErrorHistory = append(x.Meta.ErrorHistory, record)
		x.Meta.Error = lastErr
		x.Meta.ErrorFingerprint = fingerprintKey(fp)
		return nil
	}); err != nil {
		return manifest.Manifest{}, err
	}

	afterRetry, err := m.RecordRetry(id)
	if err != nil {
		return afterRetry, err
	}
	if afterRetry.Status == manifest.StatusDeadLetter {
		return afterRetry, nil
	}
	return m.Transition(id, manifest.StatusFailed)
}

// nextUnusedModel returns the first entry of chain whose name is neither
// in used nor equal to current, in fallback-chain order.
func nextUnusedModel(chain []ChainModel, used []string, current string) (ChainModel, bool) {
	seen := make(map[string]bool, len(used)+1)
	for _, name := range used {
		seen[name] = true
	}
	seen[current] = true
	for _, c := range chain {
		if !seen[c.Name] {
			return c, true
		}
	}
	return ChainModel{}, false
}

// appendUsed appends current to used unless it is already present,
// preserving the invariant that used_models holds no duplicates.
func appendUsed(used []string, current string) []string {
	for _, name := range used {
		if name == current {
			return used
		}
	}
	return append(used, current)
}

func fingerprintKey(fp classifier.Fingerprint) string {
	return string(fp.Kind) + ":" + fp.Code
}

func (m *Machine) recoverOrFail(mf manifest.Manifest) (manifest.Manifest, error) {
	if mf.Meta.StaleRecoveries >= m.maxStaleRecoveries {
		now := time.Now()
		record := manifest.ErrorRecord{
			Kind:      "stale_recovery_cap",
			Message:   fmt.Sprintf("stale recovery count %d reached the cap of %d", mf.Meta.StaleRecoveries, m.maxStaleRecoveries),
			Timestamp: now,
		}
		return m.store.Update(mf.ID, func(x *manifest.Manifest) error {
			if !isAllowed(x.Status, manifest.StatusFailed) {
				return &TransitionError{From: x.Status, To: manifest.StatusFailed}
			}
			x.Meta.ErrorHistory = append(x.Meta.ErrorHistory, record)
			x.Meta.Error = &manifest.LastError{Kind: record.Kind, Message: record.Message, Timestamp: now}
			x.Status = manifest.StatusFailed
			return nil
		})
	}
	return m.store.Update(mf.ID, func(x *manifest.Manifest) error {
		if !isAllowed(x.Status, manifest.StatusStaleRecovered) {
			return &TransitionError{From: x.Status, To: manifest.StatusStaleRecovered}
		}
		x.Status = manifest.StatusStaleRecovered
		x.Meta.StaleRecoveries++
		return nil
	})
}

// deadLetterAlert is the line-delimited record appended to the alerts
// log whenever a project is dead-lettered. External alert dispatch on
// top of this log is deliberately a no-op integration point.
type deadLetterAlert struct {
	ProjectID   string    `json:"project_id"`
	TraceID     string    `json:"trace_id"`
	Reason      string    `json:"reason"`
	Fingerprint string    `json:"fingerprint"`
	RetryCount  int       `json:"retry_count"`
	UsedModels  []string  `json:"used_models"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    string    `json:"severity"`
}

// deadLetter persists a full manifest snapshot under the dead-letter
// directory and appends an alert record to the alerts log. Both are
// best-effort: a failure here is logged but never overrides the status
// transition that already committed.
func (m *Machine) deadLetter(mf manifest.Manifest, reason string) {
	if m.deadLetterDir != "" {
		path := filepath.Join(m.deadLetterDir, fmt.Sprintf("%s_%d.json", mf.ID, time.Now().UnixNano()))
		if err := storeutil.WriteJSONAtomic(path, mf); err != nil {
			slog.Error("statemachine: dead-letter snapshot write failed", "project_id", mf.ID, "error", err)
		}
	}
	if m.alertsLogPath == "" {
		return
	}
	if err := appendAlert(m.alertsLogPath, deadLetterAlert{
		ProjectID:   mf.ID,
		TraceID:     mf.TraceID,
		Reason:      reason,
		Fingerprint: mf.Meta.ErrorFingerprint,
		RetryCount:  mf.Meta.RetryCount,
		UsedModels:  mf.Meta.UsedModels,
		Timestamp:   time.Now(),
		Severity:    "critical",
	}); err != nil {
		slog.Error("statemachine: alert log append failed", "project_id", mf.ID, "error", err)
	}
}

func appendAlert(path string, alert deadLetterAlert) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := json.NewEncoder(w).Encode(alert); err != nil {
		return err
	}
	return w.Flush()
}
