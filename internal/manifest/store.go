// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yt-factory/orchestrator/internal/storeutil"
)

// Updater mutates a loaded manifest in place. Returned by the caller of
// Update; the store stamps UpdatedAt and re-persists after it runs.
type Updater func(*Manifest) error

// Store persists one manifest.json file per project under
// <projectsDir>/<id>/manifest.json. Each project id has its own mutex so
// concurrent updates to different projects never block each other, while
// updates to the same project id serialise.
type Store struct {
	projectsDir string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Store rooted at projectsDir.
func New(projectsDir string) *Store {
	return &Store{projectsDir: projectsDir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.projectsDir, id, "manifest.json")
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create validates and persists a brand-new manifest. Fails if a
// manifest already exists for m.ID.
func (s *Store) Create(m Manifest) error {
	lock := s.lockFor(m.ID)
	lock.Lock()
	defer lock.Unlock()

	path := s.pathFor(m.ID)
	var existing Manifest
	if err := storeutil.ReadJSON(path, &existing); err == nil {
		return fmt.Errorf("manifest store: project %s already exists", m.ID)
	}

	if err := Validate(m); err != nil {
		return err
	}
	return storeutil.WriteJSONAtomic(path, m)
}

// Load reads and schema-validates the manifest for id.
func (s *Store) Load(id string) (Manifest, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (Manifest, error) {
	var m Manifest
	if err := storeutil.ReadJSON(s.pathFor(id), &m); err != nil {
		return Manifest{}, fmt.Errorf("manifest store: load %s: %w", id, err)
	}
	if err := Validate(m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Update loads the manifest for id, applies fn, stamps UpdatedAt, and
// saves it back, all under that project's lock.
func (s *Store) Update(id string, fn Updater) (Manifest, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.loadLocked(id)
	if err != nil {
		return Manifest{}, err
	}
	if err := fn(&m); err != nil {
		return Manifest{}, err
	}
	m.UpdatedAt = time.Now()

	if err := Validate(m); err != nil {
		return Manifest{}, err
	}
	if err := storeutil.WriteJSONAtomic(s.pathFor(id), m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ListIDs returns every project id with a manifest under projectsDir, in
// directory iteration order. Used by the heartbeat to enumerate
// candidates for stale recovery and audio-status polling.
func (s *Store) ListIDs() ([]string, error) {
	entries, err := os.ReadDir(s.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("manifest store: list projects: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Save validates and persists m as-is, without loading first. Used by
// the state machine after a transition it has already computed.
func (s *Store) Save(m Manifest) error {
	lock := s.lockFor(m.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := Validate(m); err != nil {
		return err
	}
	return storeutil.WriteJSONAtomic(s.pathFor(m.ID), m)
}
