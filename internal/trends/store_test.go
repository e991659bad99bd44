// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package trends

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	candidates []string
}

func (f *fakeSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return f.candidates, nil
}

func TestStore_FirstObservationCreatesFleeting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{"golang"}})

	got, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].ConsecutiveWindows)
	assert.Equal(t, Fleeting, got[0].DerivedAuthority())
}

func TestStore_ReobservationAfterRefreshWindowPromotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{"golang"}})

	_, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)

	s.mu.Lock()
	s.entries["golang"].LastSeen = time.Now().Add(-7 * time.Hour)
	s.mu.Unlock()

	got, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)
	assert.Equal(t, 2, got[0].ConsecutiveWindows)
	assert.Equal(t, Emerging, got[0].DerivedAuthority())
}

func TestStore_ReobservationWithinWindowDoesNotPromote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{"golang"}})

	_, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)
	got, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)
	assert.Equal(t, 1, got[0].ConsecutiveWindows)
}

func TestStore_DecayRemovesStaleFleetingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{}})
	s.entries["stale"] = &Entry{Keyword: "stale", FirstSeen: time.Now().Add(-48 * time.Hour), LastSeen: time.Now().Add(-25 * time.Hour), ConsecutiveWindows: 1}

	_, err := s.GetHot(context.Background(), "anything")
	require.NoError(t, err)

	s.mu.Lock()
	_, exists := s.entries["stale"]
	s.mu.Unlock()
	assert.False(t, exists, "a fleeting entry decayed past zero consecutive windows must be removed")
}

func TestStore_DecayDecrementsEstablishedWithoutRemoving(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{}})
	s.entries["durable"] = &Entry{Keyword: "durable", FirstSeen: time.Now().Add(-100 * time.Hour), LastSeen: time.Now().Add(-25 * time.Hour), ConsecutiveWindows: 3}

	_, err := s.GetHot(context.Background(), "anything")
	require.NoError(t, err)

	s.mu.Lock()
	e := s.entries["durable"]
	s.mu.Unlock()
	require.NotNil(t, e)
	assert.Equal(t, 2, e.ConsecutiveWindows)
}

func TestStore_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{candidates: []string{"golang", "rust"}})
	_, err := s.GetHot(context.Background(), "programming")
	require.NoError(t, err)

	reloaded, err := Load(path, &fakeSource{})
	require.NoError(t, err)
	assert.Len(t, reloaded.Established(), 0)
	assert.Len(t, reloaded.entries, 2)
}

func TestStore_SortedByAuthorityEstablishedFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trends.json")
	s := New(path, &fakeSource{})
	s.entries["a"] = &Entry{Keyword: "a", ConsecutiveWindows: 1, LastSeen: time.Now()}
	s.entries["b"] = &Entry{Keyword: "b", ConsecutiveWindows: 3, LastSeen: time.Now()}
	s.entries["c"] = &Entry{Keyword: "c", ConsecutiveWindows: 2, LastSeen: time.Now()}

	out := s.sortedCandidates([]string{"a", "b", "c"})
	require.Len(t, out, 3)
	assert.Equal(t, "b", out[0].Keyword)
	assert.Equal(t, "c", out[1].Keyword)
	assert.Equal(t, "a", out[2].Keyword)
}
