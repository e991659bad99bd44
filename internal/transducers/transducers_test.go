// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transducers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yt-factory/orchestrator/internal/breaker"
	"github.com/yt-factory/orchestrator/internal/cost"
	"github.com/yt-factory/orchestrator/internal/llm"
	poolpkg "github.com/yt-factory/orchestrator/internal/pool"
	"github.com/yt-factory/orchestrator/internal/queue"
	"github.com/yt-factory/orchestrator/internal/ratelimit"
)

func newSingleModelFabric(t *testing.T, response string) *llm.Fabric {
	t.Helper()
	q := queue.New(queue.Config{MaxConcurrency: 4, MaxWaiting: 4})
	limiter := ratelimit.New(10, 100, 0)
	p := poolpkg.New(func(ctx context.Context) (poolpkg.Session, error) { return fakeSession{}, nil }, poolpkg.Config{Min: 1, Max: 4})
	require.NoError(t, p.WarmUp(context.Background()))
	ledger := cost.New(filepath.Join(t.TempDir(), "ledger.json"))
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Hour})
	chain := []llm.Model{{Name: "model-a", Client: &llm.MockAdapter{Response: response}}}
	return llm.New(chain, q, limiter, p, ledger, breakers)
}

type fakeSession struct{}

func (fakeSession) Validate(ctx context.Context) error { return nil }
func (fakeSession) Close() error                        { return nil }

func TestGenerateScript_ValidResponseParses(t *testing.T) {
	response := `{"segments":[{"timestamp":"00:00","voiceover":"hello","visual_hint":"talking_head","estimated_duration_seconds":5}]}`
	fabric := newSingleModelFabric(t, response)

	script, result, err := GenerateScript(context.Background(), fabric, "prompt", llm.GenerateRequest{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, "model-a", result.ModelUsed)
	require.Len(t, script.Segments, 1)
	assert.Equal(t, "talking_head", script.Segments[0].VisualHint)
}

func TestGenerateScript_InvalidVisualHintFailsValidation(t *testing.T) {
	response := `{"segments":[{"timestamp":"00:00","voiceover":"hello","visual_hint":"interpretive_dance","estimated_duration_seconds":5}]}`
	fabric := newSingleModelFabric(t, response)

	_, _, err := GenerateScript(context.Background(), fabric, "prompt", llm.GenerateRequest{MaxRetries: 1})
	assert.Error(t, err)
}

func TestGenerateScript_EmptySegmentsFailsValidation(t *testing.T) {
	fabric := newSingleModelFabric(t, `{"segments":[]}`)

	_, _, err := GenerateScript(context.Background(), fabric, "prompt", llm.GenerateRequest{MaxRetries: 1})
	assert.Error(t, err)
}

func TestGenerateSEO_WithKeywordsSucceeds(t *testing.T) {
	response := `{"regions":[{"region":"us","title":"t","description":"d","tags":["a"]}]}`
	fabric := newSingleModelFabric(t, response)

	seo, _, err := GenerateSEO(context.Background(), fabric, "base prompt", []string{"golang"}, llm.GenerateRequest{MaxRetries: 1})
	require.NoError(t, err)
	require.Len(t, seo.Regions, 1)
	assert.Equal(t, "us", seo.Regions[0].Region)
}

func TestGenerateSEO_NoKeywordsStillSucceeds(t *testing.T) {
	response := `{"regions":[{"region":"us","title":"t","description":"d","tags":["a"]}]}`
	fabric := newSingleModelFabric(t, response)

	_, _, err := GenerateSEO(context.Background(), fabric, "base prompt", nil, llm.GenerateRequest{MaxRetries: 1})
	assert.NoError(t, err)
}

func TestGenerateShorts_TruncatesToMaxHooks(t *testing.T) {
	response := `{"hooks":[
		{"timestamp":"00:01","emotional_trigger":"curiosity","cta":"watch"},
		{"timestamp":"00:02","emotional_trigger":"fear","cta":"watch"},
		{"timestamp":"00:03","emotional_trigger":"joy","cta":"watch"},
		{"timestamp":"00:04","emotional_trigger":"surprise","cta":"watch"},
		{"timestamp":"00:05","emotional_trigger":"anger","cta":"watch"},
		{"timestamp":"00:06","emotional_trigger":"trust","cta":"watch"}
	]}`
	fabric := newSingleModelFabric(t, response)

	shorts, _, err := GenerateShorts(context.Background(), fabric, "prompt", llm.GenerateRequest{MaxRetries: 1})
	require.NoError(t, err)
	assert.Len(t, shorts.Hooks, maxHooks)
}

func TestMatchVoice_KnownLanguage(t *testing.T) {
	v := MatchVoice("zh")
	assert.Equal(t, "zh", v.Language)
}

func TestMatchVoice_UnknownLanguageFallsBackToEnglish(t *testing.T) {
	v := MatchVoice("fr")
	assert.Equal(t, "en", v.Language)
}

func TestCheckAndUpdateAudioStatus_ReadsSlotStatusFromDisk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "audio"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "audio", "en.status"), []byte(`{"status":"ready"}`), 0o644))

	cfg := AudioConfig{Slots: map[string]AudioSlotStatus{"en": AudioSlotPending, "zh": AudioSlotPending}}
	updated := CheckAndUpdateAudioStatus(dir, cfg)

	assert.Equal(t, AudioSlotReady, updated.Slots["en"])
	assert.Equal(t, AudioSlotPending, updated.Slots["zh"])
	assert.False(t, updated.AllReady())
}

func TestAudioConfig_AllReadyWhenEverySlotReady(t *testing.T) {
	cfg := AudioConfig{Slots: map[string]AudioSlotStatus{"en": AudioSlotReady, "zh": AudioSlotReady}}
	assert.True(t, cfg.AllReady())
}
