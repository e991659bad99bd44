// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cost

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RecordAccumulates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(path)

	require.NoError(t, l.Record("gpt-4o", 100))
	require.NoError(t, l.Record("gpt-4o", 50))
	require.NoError(t, l.Record("gpt-4o-mini", 200))

	snap := l.Snapshot()
	assert.Equal(t, int64(350), snap.TotalTokens)
	assert.Equal(t, int64(150), snap.TokensByModel["gpt-4o"])
	assert.Equal(t, int64(200), snap.TokensByModel["gpt-4o-mini"])
	assert.Equal(t, int64(3), snap.APICalls)
	assert.Greater(t, snap.EstimatedCostUSD, 0.0)
}

func TestLedger_PersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(path)
	require.NoError(t, l.Record("gpt-4o", 1000))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), reloaded.Snapshot())
}

func TestLedger_LoadMissingFileStartsAtZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), l.Snapshot().TotalTokens)
}

func TestSnapshot_DeltaIsolatesProjectUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := New(path)
	require.NoError(t, l.Record("gpt-4o", 100))

	before := l.Snapshot()
	require.NoError(t, l.Record("gpt-4o", 50))
	require.NoError(t, l.Record("gpt-4-turbo", 10))
	after := l.Snapshot()

	delta := after.Delta(before)
	assert.Equal(t, int64(60), delta.TotalTokens)
	assert.Equal(t, int64(50), delta.TokensByModel["gpt-4o"])
	assert.Equal(t, int64(10), delta.TokensByModel["gpt-4-turbo"])
	assert.Equal(t, int64(2), delta.APICalls)
}

func TestPrice_FallsBackToDefaultForUnknownModel(t *testing.T) {
	assert.Equal(t, PricePerThousandTokens["default"], price("some-unlisted-model"))
}
