// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yt-factory/orchestrator/internal/breaker"
	"github.com/yt-factory/orchestrator/internal/cost"
	"github.com/yt-factory/orchestrator/internal/hashindex"
	"github.com/yt-factory/orchestrator/internal/ingress"
	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/manifest"
	poolpkg "github.com/yt-factory/orchestrator/internal/pool"
	"github.com/yt-factory/orchestrator/internal/queue"
	"github.com/yt-factory/orchestrator/internal/ratelimit"
	"github.com/yt-factory/orchestrator/internal/statemachine"
	"github.com/yt-factory/orchestrator/internal/trends"
)

const validScriptJSON = `{"segments":[{"timestamp":"00:00","voiceover":"hi","visual_hint":"talking_head","estimated_duration_seconds":5}]}`
const validSEOJSON = `{"regions":[{"region":"us","title":"t","description":"d","tags":["a"]}]}`
const validShortsJSON = `{"hooks":[{"timestamp":"00:01","emotional_trigger":"curiosity","cta":"watch"}]}`
const invalidVisualHintScriptJSON = `{"segments":[{"timestamp":"00:00","voiceover":"hi","visual_hint":"not_a_real_hint","estimated_duration_seconds":5}]}`

type fakeSession struct{}

func (fakeSession) Validate(ctx context.Context) error { return nil }
func (fakeSession) Close() error                        { return nil }

type queuedAdapter struct {
	responses []string
	errs      []error
	calls     int
}

func (q *queuedAdapter) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, llm.Usage, error) {
	i := q.calls
	if i >= len(q.responses) {
		i = len(q.responses) - 1
	}
	q.calls++
	if i < len(q.errs) && q.errs[i] != nil {
		return "", llm.Usage{}, q.errs[i]
	}
	resp := q.responses[i]
	return resp, llm.Usage{Tokens: int64(len(resp)), Estimated: true}, nil
}

type fakeTrendSource struct{}

func (fakeTrendSource) Fetch(ctx context.Context, topic string) ([]string, error) { return nil, nil }

type failingTrendSource struct{}

func (failingTrendSource) Fetch(ctx context.Context, topic string) ([]string, error) {
	return nil, fmt.Errorf("trend source unreachable")
}

type testHarness struct {
	driver      *Driver
	manifests   *manifest.Store
	machine     *statemachine.Machine
	dir         string
	projectsDir string
}

func newHarness(t *testing.T, chain []llm.Model) *testHarness {
	t.Helper()
	return newHarnessWithOpts(t, chain, fakeTrendSource{}, false, nil)
}

func newHarnessWithOpts(t *testing.T, chain []llm.Model, trendSource trends.Source, audioEnabled bool, audioLanguages []string) *testHarness {
	t.Helper()
	dir := t.TempDir()
	projectsDir := filepath.Join(dir, "projects")
	require.NoError(t, os.MkdirAll(projectsDir, 0o755))

	manifests := manifest.New(projectsDir)
	machine := statemachine.New(manifests, statemachine.StaleThresholds{
		Analyzing: time.Hour,
	}, 2, 2, filepath.Join(dir, "dead-letter"), filepath.Join(dir, "logs", "alerts.log"))

	hashIdx := hashindex.New(filepath.Join(dir, "hashes.json"))
	require.NoError(t, hashIdx.Init())

	q := queue.New(queue.Config{MaxConcurrency: 4, MaxWaiting: 4})
	limiter := ratelimit.New(10, 100, 0)
	p := poolpkg.New(func(ctx context.Context) (poolpkg.Session, error) { return fakeSession{}, nil }, poolpkg.Config{Min: 1, Max: 4})
	require.NoError(t, p.WarmUp(context.Background()))
	ledger := cost.New(filepath.Join(dir, "cost.json"))
	breakers := breaker.NewRegistry(breaker.Config{FailureThreshold: 10, SuccessThreshold: 1, ResetTimeout: time.Hour})

	fabric := llm.New(chain, q, limiter, p, ledger, breakers)
	trendStore := trends.New(filepath.Join(dir, "trends.json"), trendSource)

	driver := New(manifests, machine, hashIdx, fabric, trendStore, ledger, chain, 2, audioEnabled, audioLanguages, projectsDir)

	return &testHarness{driver: driver, manifests: manifests, machine: machine, dir: dir, projectsDir: projectsDir}
}

func writeReadyDoc(t *testing.T, dir, name, content string) ingress.Ready {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	analysis := ingress.Analyze(content)
	return ingress.Ready{Path: path, Content: content, WordCount: analysis.WordCount, ReadingTime: analysis.ReadingTime, Language: analysis.Language}
}

func listProjectIDs(t *testing.T, h *testHarness) []string {
	t.Helper()
	ids, err := h.manifests.ListIDs()
	require.NoError(t, err)
	return ids
}

func TestDriver_HappyPathReachesRendering(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{validScriptJSON, validSEOJSON, validShortsJSON}}},
	}
	h := newHarness(t, chain)

	ready := writeReadyDoc(t, h.dir, "doc.md", "the quick brown fox jumps over the lazy dog and this is a much longer sentence that clearly counts as english content")
	require.NoError(t, h.driver.HandleReady(context.Background(), ready))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	require.Len(t, ids, 1)

	mf, err := h.manifests.Load(ids[0])
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRendering, mf.Status)
	assert.NotNil(t, mf.Outputs["content_engine"])
}

func TestDriver_DuplicateInputProducesNoSecondProject(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{validScriptJSON, validSEOJSON, validShortsJSON, validScriptJSON, validSEOJSON, validShortsJSON}}},
	}
	h := newHarness(t, chain)

	content := "identical content for duplicate detection across two different file names"
	first := writeReadyDoc(t, h.dir, "doc.md", content)
	require.NoError(t, h.driver.HandleReady(context.Background(), first))
	h.driver.Wait()

	second := writeReadyDoc(t, h.dir, "doc_copy.md", content)
	require.NoError(t, h.driver.HandleReady(context.Background(), second))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	assert.Len(t, ids, 1)
}

func TestDriver_ValidationFailureDegradesThenSucceeds(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{invalidVisualHintScriptJSON}}},
		{Name: "model-b", Client: &queuedAdapter{responses: []string{validScriptJSON, validSEOJSON, validShortsJSON}}},
	}
	h := newHarness(t, chain)

	ready := writeReadyDoc(t, h.dir, "doc.md", "content that will trip a schema validation failure on the first model in the chain")
	require.NoError(t, h.driver.HandleReady(context.Background(), ready))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	require.Len(t, ids, 1)
	id := ids[0]

	mf, err := h.manifests.Load(id)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusDegradedRetry, mf.Status)
	assert.Equal(t, []string{"model-a"}, mf.Meta.UsedModels)
	assert.Equal(t, "model-b", mf.Meta.CurrentModel)
	assert.True(t, mf.Meta.IsFallbackMode)

	// A project resting in degraded_retry does not resume on its own;
	// Replay is the heartbeat's (or an operator's) re-entry path.
	require.NoError(t, h.driver.Replay(context.Background(), id))
	h.driver.Wait()

	mf, err = h.manifests.Load(id)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRendering, mf.Status)
	assert.Equal(t, []string{"model-a"}, mf.Meta.UsedModels)
	assert.Equal(t, "model-b", mf.Meta.CurrentModel)
}

func TestDriver_ExhaustedModelsDeadLettersImmediately(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{invalidVisualHintScriptJSON, invalidVisualHintScriptJSON, invalidVisualHintScriptJSON}}},
	}
	h := newHarness(t, chain)

	ready := writeReadyDoc(t, h.dir, "doc.md", "content guaranteed to fail schema validation on every available model in the configured chain")

	require.NoError(t, h.driver.HandleReady(context.Background(), ready))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	require.Len(t, ids, 1)
	mf, err := h.manifests.Load(ids[0])
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusDeadLetter, mf.Status)
	assert.True(t, mf.Meta.IsDeadLetter)

	entries, err := os.ReadDir(filepath.Join(h.dir, "dead-letter"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestDriver_TrendFetchFailureDegradesGracefully(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{validScriptJSON, validSEOJSON, validShortsJSON}}},
	}
	h := newHarnessWithOpts(t, chain, failingTrendSource{}, false, nil)

	ready := writeReadyDoc(t, h.dir, "doc.md", "a trend source outage must never fail the pipeline, only the keyword candidate list")
	require.NoError(t, h.driver.HandleReady(context.Background(), ready))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	require.Len(t, ids, 1)
	mf, err := h.manifests.Load(ids[0])
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusRendering, mf.Status)
}

const validAudioScriptJSON = `{"lines":["hola"]}`

func TestDriver_AudioEnabledGeneratesPerLanguageScripts(t *testing.T) {
	chain := []llm.Model{
		{Name: "model-a", Client: &queuedAdapter{responses: []string{validScriptJSON, validSEOJSON, validShortsJSON, validAudioScriptJSON}}},
	}
	h := newHarnessWithOpts(t, chain, fakeTrendSource{}, true, []string{"es"})

	ready := writeReadyDoc(t, h.dir, "doc.md", "content that reaches finalization with audio enabled for a single language slot")
	require.NoError(t, h.driver.HandleReady(context.Background(), ready))
	h.driver.Wait()

	ids := listProjectIDs(t, h)
	require.Len(t, ids, 1)
	id := ids[0]

	mf, err := h.manifests.Load(id)
	require.NoError(t, err)
	assert.Equal(t, manifest.StatusPendingAudio, mf.Status)

	data, err := os.ReadFile(filepath.Join(h.projectsDir, id, "audio", "es.script.json"))
	require.NoError(t, err)
	var script struct {
		Language string   `json:"language"`
		Lines    []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(data, &script))
	assert.Equal(t, "es", script.Language)
	assert.Equal(t, []string{"hola"}, script.Lines)
}
