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
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManifest() Manifest {
	now := time.Now()
	return Manifest{
		ID:        uuid.NewString(),
		TraceID:   uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
		InputSource: InputSource{
			Path:             "incoming/doc.txt",
			DetectedLanguage: "en",
			WordCount:        120,
		},
	}
}

func TestStore_CreateThenLoad(t *testing.T) {
	s := New(t.TempDir())
	m := newTestManifest()

	require.NoError(t, s.Create(m))
	loaded, err := s.Load(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, StatusPending, loaded.Status)
}

func TestStore_CreateRejectsDuplicateID(t *testing.T) {
	s := New(t.TempDir())
	m := newTestManifest()
	require.NoError(t, s.Create(m))

	err := s.Create(m)
	require.Error(t, err)
}

func TestStore_UpdateStampsUpdatedAt(t *testing.T) {
	s := New(t.TempDir())
	m := newTestManifest()
	require.NoError(t, s.Create(m))

	updated, err := s.Update(m.ID, func(m *Manifest) error {
		m.Status = StatusAnalyzing
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, updated.Status)
	assert.True(t, updated.UpdatedAt.After(m.CreatedAt) || updated.UpdatedAt.Equal(m.CreatedAt))
}

func TestValidate_RejectsUnknownStatus(t *testing.T) {
	m := newTestManifest()
	m.Status = "not_a_real_status"
	require.Error(t, Validate(m))
}

func TestValidate_RejectsMissingInputSourceLanguage(t *testing.T) {
	m := newTestManifest()
	m.InputSource.DetectedLanguage = ""
	require.Error(t, Validate(m))
}

func TestValidate_RejectsUpdatedAtBeforeCreatedAt(t *testing.T) {
	m := newTestManifest()
	m.UpdatedAt = m.CreatedAt.Add(-time.Hour)
	require.Error(t, Validate(m))
}

func TestValidate_UsedModelsMustBePrefixOfFallbackChain(t *testing.T) {
	SetFallbackChain([]string{"gpt-4o-mini", "gpt-4o", "gpt-4o-strict"})
	defer SetFallbackChain(nil)

	m := newTestManifest()
	m.Meta.UsedModels = []string{"gpt-4o-mini", "gpt-4o"}
	require.NoError(t, Validate(m))

	m.Meta.UsedModels = []string{"gpt-4o", "gpt-4o-mini"}
	require.Error(t, Validate(m))
}

func TestStore_LoadMissingProjectFails(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Load(uuid.NewString())
	require.Error(t, err)
}
