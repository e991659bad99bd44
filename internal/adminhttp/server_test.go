// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adminhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yt-factory/orchestrator/internal/manifest"
	"github.com/yt-factory/orchestrator/internal/pool"
)

func newTestStore(t *testing.T) *manifest.Store {
	t.Helper()
	return manifest.New(t.TempDir())
}

func seedManifest(t *testing.T, store *manifest.Store) string {
	t.Helper()
	id := uuid.NewString()
	now := time.Now()
	mf := manifest.Manifest{
		ID:        id,
		TraceID:   uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    manifest.StatusAnalyzing,
		InputSource: manifest.InputSource{
			Path:             filepath.Join("incoming", "doc.md"),
			DetectedLanguage: "en",
			WordCount:        10,
		},
		Meta: manifest.Meta{CurrentModel: "model-a"},
	}
	require.NoError(t, store.Create(mf))
	return id
}

func TestHealthz_NoChecksConfiguredReportsOK(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz_FailingCheckReportsUnhealthy(t *testing.T) {
	store := newTestStore(t)
	s := New(store, map[string]LivenessCheck{
		"watcher": func() error { return assert.AnError },
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetrics_ServesPrometheusExposition(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Body.String())
}

func TestStatus_KnownProjectReturnsManifestFields(t *testing.T) {
	store := newTestStore(t)
	id := seedManifest(t, store)
	s := New(store, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/"+id, nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(manifest.StatusAnalyzing))
	assert.Contains(t, w.Body.String(), "model-a")
}

func TestStatus_UnknownProjectReturns404(t *testing.T) {
	store := newTestStore(t)
	s := New(store, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status/does-not-exist", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPoolLivenessCheck_FailsWhenNoSessionsOpen(t *testing.T) {
	p := pool.New(func(ctx context.Context) (pool.Session, error) { return nil, assert.AnError }, pool.Config{Min: 0, Max: 1})
	check := PoolLivenessCheck(p)
	assert.Error(t, check())
}

func TestPoolLivenessCheck_PassesAfterWarmUp(t *testing.T) {
	p := pool.New(func(ctx context.Context) (pool.Session, error) { return fakeSession{}, nil }, pool.Config{Min: 1, Max: 1})
	require.NoError(t, p.WarmUp(context.Background()))
	check := PoolLivenessCheck(p)
	assert.NoError(t, check())
}

type fakeSession struct{}

func (fakeSession) Validate(ctx context.Context) error { return nil }
func (fakeSession) Close() error                        { return nil }
