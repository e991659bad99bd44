// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trends implements the persisted trend authority store: a
// process-owned singleton that promotes keywords observed on consecutive
// refresh windows and decays ones that have gone quiet.
package trends

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yt-factory/orchestrator/internal/storeutil"
)

const (
	refreshWindow  = 6 * time.Hour
	decayThreshold = 24 * time.Hour
)

// Authority is the derived authority level of a TrendEntry.
type Authority string

const (
	Established Authority = "established"
	Emerging    Authority = "emerging"
	Fleeting    Authority = "fleeting"
)

// Entry is one tracked keyword's observation history.
type Entry struct {
	Keyword            string    `json:"keyword"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	ConsecutiveWindows int       `json:"consecutive_windows"`
}

// DerivedAuthority classifies e by its consecutive-window count.
func (e Entry) DerivedAuthority() Authority {
	switch {
	case e.ConsecutiveWindows >= 3:
		return Established
	case e.ConsecutiveWindows == 2:
		return Emerging
	default:
		return Fleeting
	}
}

func authorityRank(a Authority) int {
	switch a {
	case Established:
		return 0
	case Emerging:
		return 1
	default:
		return 2
	}
}

// Source fetches raw candidate keywords for a topic. The contentpipe
// command wires a source that returns no candidates; tests use a canned
// source.
type Source interface {
	Fetch(ctx context.Context, topic string) ([]string, error)
}

// Store is the process-owned trend authority singleton.
type Store struct {
	path   string
	source Source

	mu      sync.Mutex
	entries map[string]*Entry
}

// New constructs a Store persisting to path, fetching candidates from
// source.
func New(path string, source Source) *Store {
	return &Store{path: path, source: source, entries: make(map[string]*Entry)}
}

// Load restores a previously persisted store from path. A missing file
// starts the store empty.
func Load(path string, source Source) (*Store, error) {
	s := New(path, source)
	var entries []*Entry
	if err := storeutil.ReadJSON(path, &entries); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	for _, e := range entries {
		s.entries[e.Keyword] = e
	}
	return s, nil
}

// GetHot runs the decay pass, fetches candidates for topic, promotes
// them, persists, and returns the candidates sorted by derived authority
// (established first).
func (s *Store) GetHot(ctx context.Context, topic string) ([]Entry, error) {
	s.decayLocked()

	candidates, err := s.source.Fetch(ctx, topic)
	if err != nil {
		return nil, err
	}

	if err := s.promote(ctx, candidates); err != nil {
		return nil, err
	}

	if err := s.persist(); err != nil {
		return nil, err
	}

	return s.sortedCandidates(candidates), nil
}

func (s *Store) decayLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, e := range s.entries {
		if now.Sub(e.LastSeen) > decayThreshold {
			e.ConsecutiveWindows--
			if e.ConsecutiveWindows <= 0 {
				delete(s.entries, k)
			}
		}
	}
}

// promote runs the per-candidate promotion logic through a small bounded
// errgroup, since each candidate's map-key update is independent work
// guarded by the store's own mutex.
func (s *Store) promote(ctx context.Context, candidates []string) error {
	const maxWorkers = 8
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for _, candidate := range candidates {
		keyword := candidate
		g.Go(func() error {
			s.promoteOne(keyword)
			return nil
		})
	}
	return g.Wait()
}

func (s *Store) promoteOne(keyword string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[keyword]
	if !ok {
		s.entries[keyword] = &Entry{Keyword: keyword, FirstSeen: now, LastSeen: now, ConsecutiveWindows: 1}
		return
	}
	if now.Sub(e.LastSeen) >= refreshWindow {
		e.ConsecutiveWindows++
	}
	e.LastSeen = now
}

func (s *Store) sortedCandidates(candidates []string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(candidates))
	for _, c := range candidates {
		if e, ok := s.entries[c]; ok {
			out = append(out, *e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return authorityRank(out[i].DerivedAuthority()) < authorityRank(out[j].DerivedAuthority())
	})
	return out
}

// Established returns every currently tracked keyword whose derived
// authority is Established.
func (s *Store) Established() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, e := range s.entries {
		if e.DerivedAuthority() == Established {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Keyword < out[j].Keyword })
	return out
}

func (s *Store) persist() error {
	s.mu.Lock()
	snapshot := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		copied := *e
		snapshot = append(snapshot, &copied)
	}
	s.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Keyword < snapshot[j].Keyword })
	return storeutil.WriteJSONAtomic(s.path, snapshot)
}
