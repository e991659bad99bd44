// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline is the C14 driver: it receives ready documents from
// the ingress watcher, gates them through the content-hash index, creates
// a project, and runs the nine-stage pipeline for it on its own goroutine.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yt-factory/orchestrator/internal/cost"
	"github.com/yt-factory/orchestrator/internal/hashindex"
	"github.com/yt-factory/orchestrator/internal/ingress"
	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/manifest"
	"github.com/yt-factory/orchestrator/internal/progress"
	"github.com/yt-factory/orchestrator/internal/queue"
	"github.com/yt-factory/orchestrator/internal/statemachine"
	"github.com/yt-factory/orchestrator/internal/transducers"
	"github.com/yt-factory/orchestrator/internal/trends"
)

// Driver composes every other component into the per-project pipeline.
type Driver struct {
	manifests  *manifest.Store
	machine    *statemachine.Machine
	hashIndex  *hashindex.Index
	fabric     *llm.Fabric
	trendStore *trends.Store
	ledger     *cost.Ledger

	chain          []llm.Model
	chainNames     []string
	maxRetries     int
	audioEnabled   bool
	audioLanguages []string
	projectsDir    string

	wg sync.WaitGroup
}

// New constructs a Driver. chain is the fallback chain in order, used as
// the newly created project's starting model, to saturate
// meta.used_models when the fabric exhausts every model, and to give the
// state machine's degrade decision each model's strict flag. When
// audioEnabled is set, an AUDIO_SCRIPT_GENERATION stage is inserted ahead
// of MANIFEST_UPDATE and FINALIZATION routes through pending_audio with
// one slot per audioLanguages entry instead of straight to rendering.
// projectsDir is where the audio script stage writes each language's
// input file for the external audio-render collaborator.
func New(manifests *manifest.Store, machine *statemachine.Machine, hashIndex *hashindex.Index, fabric *llm.Fabric, trendStore *trends.Store, ledger *cost.Ledger, chain []llm.Model, maxRetries int, audioEnabled bool, audioLanguages []string, projectsDir string) *Driver {
	chainNames := make([]string, len(chain))
	for i, m := range chain {
		chainNames[i] = m.Name
	}
	return &Driver{
		manifests:      manifests,
		machine:        machine,
		hashIndex:      hashIndex,
		fabric:         fabric,
		trendStore:     trendStore,
		ledger:         ledger,
		chain:          chain,
		chainNames:     chainNames,
		maxRetries:     maxRetries,
		audioEnabled:   audioEnabled,
		audioLanguages: audioLanguages,
		projectsDir:    projectsDir,
	}
}

// HandleReady is the ingress watcher's Handler. It gates r through the
// content-hash index, creates a new project for a genuinely new document,
// and launches the project's pipeline on its own goroutine. Duplicate
// documents are logged and dropped; the file has already been moved to
// the processed directory by the watcher regardless.
func (d *Driver) HandleReady(ctx context.Context, r ingress.Ready) error {
	result, err := d.hashIndex.IsProcessed(r.Path)
	if err != nil {
		return fmt.Errorf("pipeline: dedup check: %w", err)
	}
	if result.Processed {
		existingID := ""
		if result.Existing != nil {
			existingID = result.Existing.ProjectID
		}
		slog.InfoContext(ctx, "duplicate input dropped", "path", r.Path, "existing_project_id", existingID, "method", string(result.Method))
		return nil
	}

	id := uuid.NewString()
	traceID := uuid.NewString()
	now := time.Now()

	currentModel := ""
	if len(d.chainNames) > 0 {
		currentModel = d.chainNames[0]
	}

	mf := manifest.Manifest{
		ID:        id,
		TraceID:   traceID,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    manifest.StatusPending,
		InputSource: manifest.InputSource{
			Path:             r.Path,
			RawContent:       r.Content,
			DetectedLanguage: r.Language,
			WordCount:        r.WordCount,
		},
		Meta: manifest.Meta{
			CurrentModel: currentModel,
		},
	}

	if err := d.machine.CreateProject(mf); err != nil {
		return fmt.Errorf("pipeline: create project: %w", err)
	}

	// Mark processed immediately so a byte-identical file dropped while
	// this project is still mid-pipeline is rejected by the dedup gate
	// rather than racing it into a second project. FINALIZATION refreshes
	// this entry's processed_at once the pipeline actually completes.
	if _, err := d.hashIndex.MarkProcessed(r.Path, id); err != nil {
		slog.ErrorContext(ctx, "pipeline: mark processed failed", "project_id", id, "error", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runProject(context.Background(), id)
	}()

	return nil
}

// Wait blocks until every in-flight project goroutine has reached a
// stage boundary and returned. Used by graceful shutdown.
func (d *Driver) Wait() {
	d.wg.Wait()
}

// Replay re-enters the stage sequence for an existing project id,
// starting at stageInit, which moves it into analyzing; that succeeds only
// from pending or degraded_retry. The heartbeat calls it for projects it
// has bounced from stale_recovered to pending and for every project in
// degraded_retry; the replay command calls it for an operator, after
// moving a failed project to pending. A dead_letter project cannot be
// re-entered. Blocks until the run reaches its next stage
// boundary; callers that want fire-and-forget should run it in their own
// goroutine.
func (d *Driver) Replay(ctx context.Context, id string) error {
	if _, err := d.manifests.Load(id); err != nil {
		return fmt.Errorf("pipeline: replay %s: %w", id, err)
	}
	d.wg.Add(1)
	defer d.wg.Done()
	d.runProject(ctx, id)
	return nil
}

// SweepAudio polls the audio collaborator's on-disk status files for
// every project currently in pending_audio among ids, and transitions any
// project whose configured language slots have all reported ready on to
// rendering. Called by the heartbeat alongside the state machine's own
// stale sweep.
func (d *Driver) SweepAudio(ctx context.Context, projectsDir string, ids []string) {
	for _, id := range ids {
		mf, err := d.manifests.Load(id)
		if err != nil || mf.Status != manifest.StatusPendingAudio {
			continue
		}

		raw, ok := mf.Outputs["audio"]
		if !ok {
			continue
		}
		cfg, ok := decodeAudioConfig(raw)
		if !ok {
			continue
		}

		projectDir := filepath.Join(projectsDir, id)
		updated := transducers.CheckAndUpdateAudioStatus(projectDir, cfg)

		if _, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
			x.Outputs["audio"] = updated
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "pipeline: audio status persist failed", "project_id", id, "error", err)
			continue
		}

		if updated.AllReady() {
			if _, err := d.machine.Transition(id, manifest.StatusRendering); err != nil {
				slog.ErrorContext(ctx, "pipeline: audio-ready transition failed", "project_id", id, "error", err)
			}
		}
	}
}

// decodeAudioConfig recovers a transducers.AudioConfig from a manifest's
// Outputs map, which round-trips through JSON (map[string]any) once a
// manifest has been persisted and reloaded.
func decodeAudioConfig(raw any) (transducers.AudioConfig, bool) {
	if cfg, ok := raw.(transducers.AudioConfig); ok {
		return cfg, true
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return transducers.AudioConfig{}, false
	}
	var cfg transducers.AudioConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return transducers.AudioConfig{}, false
	}
	return cfg, true
}

func (d *Driver) runProject(ctx context.Context, id string) {
	mf, err := d.manifests.Load(id)
	if err != nil {
		slog.ErrorContext(ctx, "pipeline: load project failed", "project_id", id, "error", err)
		return
	}

	tracker := progress.New(id, mf.TraceID)
	tracker.LogPipelineStart(ctx)

	before := cost.Snapshot{}
	if d.ledger != nil {
		before = d.ledger.Snapshot()
	}

	outputs := map[string]any{}

	if err := d.runStages(ctx, tracker, id, &mf, outputs); err != nil {
		tracker.LogPipelineError(ctx, err)
		return
	}

	if d.ledger != nil {
		after := d.ledger.Snapshot()
		delta := after.Delta(before)
		if _, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
			x.Meta.CostDelta = manifest.CostDelta{
				TotalTokens:      delta.TotalTokens,
				TokensByModel:    delta.TokensByModel,
				APICalls:         delta.APICalls,
				EstimatedCostUSD: delta.EstimatedCostUSD,
			}
			return nil
		}); err != nil {
			slog.ErrorContext(ctx, "pipeline: cost delta persist failed", "project_id", id, "error", err)
		}
	}

	tracker.LogPipelineComplete(ctx)
}

// runStages executes the stage handlers (eight, or nine with audio
// enabled) in order, stopping and
// forwarding to the state machine's error handler on the first failure.
func (d *Driver) runStages(ctx context.Context, tracker *progress.Tracker, id string, mf *manifest.Manifest, outputs map[string]any) error {
	stages := []struct {
		stage progress.Stage
		run   func(context.Context) (map[string]any, error)
	}{
		{progress.StageInit, func(c context.Context) (map[string]any, error) { return d.stageInit(c, id) }},
		{progress.StageScriptGeneration, func(c context.Context) (map[string]any, error) { return d.stageScript(c, id, mf, outputs) }},
		{progress.StageTrendAnalysis, func(c context.Context) (map[string]any, error) { return d.stageTrendAnalysis(c, id, mf, outputs) }},
		{progress.StageSEOGeneration, func(c context.Context) (map[string]any, error) { return d.stageSEO(c, id, mf, outputs) }},
		{progress.StageShortsExtraction, func(c context.Context) (map[string]any, error) { return d.stageShorts(c, id, mf, outputs) }},
		{progress.StageVoiceMatching, func(c context.Context) (map[string]any, error) { return d.stageVoice(c, id, mf, outputs) }},
	}
	if d.audioEnabled && len(d.audioLanguages) > 0 {
		stages = append(stages, struct {
			stage progress.Stage
			run   func(context.Context) (map[string]any, error)
		}{progress.StageAudioScriptGeneration, func(c context.Context) (map[string]any, error) { return d.stageAudioScript(c, id, mf, outputs) }})
	}
	stages = append(stages,
		struct {
			stage progress.Stage
			run   func(context.Context) (map[string]any, error)
		}{progress.StageManifestUpdate, func(c context.Context) (map[string]any, error) { return d.stageManifestUpdate(c, id, outputs) }},
		struct {
			stage progress.Stage
			run   func(context.Context) (map[string]any, error)
		}{progress.StageFinalization, func(c context.Context) (map[string]any, error) { return d.stageFinalization(c, id, mf) }},
	)

	for _, s := range stages {
		stageCtx := tracker.StartStage(ctx, s.stage)
		fields, err := s.run(stageCtx)
		if err != nil {
			tracker.ErrorStage(err)
			if _, handleErr := d.handleStageError(id, err); handleErr != nil {
				slog.ErrorContext(ctx, "pipeline: error handling failed", "project_id", id, "error", handleErr)
			}
			return err
		}
		tracker.CompleteStage(fields)

		reloaded, err := d.manifests.Load(id)
		if err != nil {
			return err
		}
		*mf = reloaded
	}
	return nil
}

// handleStageError is the sole funnel from a stage failure to the state
// machine. When the fabric has already exhausted its entire model chain
// (ErrAllModelsFailed), meta.used_models is saturated first so the
// classifier's degrade decision correctly refuses — there is no further
// model left to degrade to.
func (d *Driver) handleStageError(id string, stageErr error) (manifest.Manifest, error) {
	if errors.Is(stageErr, llm.ErrAllModelsFailed) {
		names := make([]string, len(d.chainNames))
		copy(names, d.chainNames)
		if _, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
			x.Meta.UsedModels = names
			return nil
		}); err != nil {
			return manifest.Manifest{}, err
		}
	}
	return d.machine.HandleError(id, stageErr, d.chainModels())
}

// chainModels converts the driver's configured fallback chain into the
// minimal view the state machine needs to pick a degrade target.
func (d *Driver) chainModels() []statemachine.ChainModel {
	out := make([]statemachine.ChainModel, len(d.chain))
	for i, m := range d.chain {
		out[i] = statemachine.ChainModel{Name: m.Name, Strict: m.Strict}
	}
	return out
}

func (d *Driver) stageInit(ctx context.Context, id string) (map[string]any, error) {
	mf, err := d.machine.Transition(id, manifest.StatusAnalyzing)
	if err != nil {
		return nil, err
	}
	return map[string]any{"current_model": mf.Meta.CurrentModel}, nil
}

func (d *Driver) stageScript(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	prompt := buildScriptPrompt(*mf)
	script, result, err := transducers.GenerateScript(ctx, d.fabric, prompt, llm.GenerateRequest{
		ProjectID:      id,
		Priority:       queue.High,
		MaxRetries:     d.maxRetries,
		PreferredModel: mf.Meta.CurrentModel,
	})
	if err != nil {
		return nil, fmt.Errorf("script generation: %w", err)
	}
	outputs["script"] = script
	if err := d.recordModelProgress(id, result); err != nil {
		return nil, err
	}
	return map[string]any{"segments": len(script.Segments), "model_used": result.ModelUsed}, nil
}

// stageTrendAnalysis fetches hot keywords for the project's topic ahead
// of SEO generation. A trend source failure degrades gracefully to an
// empty candidate list per the trend source's tolerant-latency contract —
// it never fails the pipeline.
func (d *Driver) stageTrendAnalysis(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	hot, err := d.trendStore.GetHot(ctx, mf.InputSource.Path)
	if err != nil {
		slog.WarnContext(ctx, "pipeline: trend fetch failed, continuing without keywords", "project_id", id, "error", err)
		hot = nil
	}
	keywords := make([]string, 0, len(hot))
	for _, entry := range hot {
		keywords = append(keywords, entry.Keyword)
	}
	outputs["trend_keywords"] = keywords
	return map[string]any{"keywords": len(keywords)}, nil
}

func (d *Driver) stageSEO(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	keywords, _ := outputs["trend_keywords"].([]string)
	prompt := buildSEOPrompt(*mf)
	seo, result, err := transducers.GenerateSEO(ctx, d.fabric, prompt, keywords, llm.GenerateRequest{
		ProjectID:      id,
		Priority:       queue.Medium,
		MaxRetries:     d.maxRetries,
		PreferredModel: mf.Meta.CurrentModel,
	})
	if err != nil {
		return nil, fmt.Errorf("seo generation: %w", err)
	}
	outputs["seo"] = seo
	if err := d.recordModelProgress(id, result); err != nil {
		return nil, err
	}
	return map[string]any{"regions": len(seo.Regions), "model_used": result.ModelUsed}, nil
}

func (d *Driver) stageShorts(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	prompt := buildShortsPrompt(*mf)
	shorts, result, err := transducers.GenerateShorts(ctx, d.fabric, prompt, llm.GenerateRequest{
		ProjectID:      id,
		Priority:       queue.Low,
		MaxRetries:     d.maxRetries,
		PreferredModel: mf.Meta.CurrentModel,
	})
	if err != nil {
		return nil, fmt.Errorf("shorts extraction: %w", err)
	}
	outputs["shorts"] = shorts
	if err := d.recordModelProgress(id, result); err != nil {
		return nil, err
	}
	return map[string]any{"hooks": len(shorts.Hooks)}, nil
}

func (d *Driver) stageVoice(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	voice := transducers.MatchVoice(mf.InputSource.DetectedLanguage)
	outputs["voice"] = voice
	return map[string]any{"voice_id": voice.VoiceID}, nil
}

// stageAudioScript localizes the generated script into one narration line
// list per configured audio language and writes each as the external
// audio-render collaborator's input file, ahead of MANIFEST_UPDATE. Only
// reached when the driver was built with audio enabled and at least one
// language configured.
func (d *Driver) stageAudioScript(ctx context.Context, id string, mf *manifest.Manifest, outputs map[string]any) (map[string]any, error) {
	script, ok := outputs["script"].(transducers.Script)
	if !ok {
		return nil, fmt.Errorf("audio script generation: no script available")
	}

	projectDir := filepath.Join(d.projectsDir, id)
	scripts := make(map[string]transducers.AudioScript, len(d.audioLanguages))
	for _, lang := range d.audioLanguages {
		audioScript, result, err := transducers.GenerateAudioScript(ctx, d.fabric, script, lang, llm.GenerateRequest{
			ProjectID:      id,
			Priority:       queue.Low,
			MaxRetries:     d.maxRetries,
			PreferredModel: mf.Meta.CurrentModel,
		})
		if err != nil {
			return nil, fmt.Errorf("audio script generation (%s): %w", lang, err)
		}
		if err := transducers.WriteAudioScript(projectDir, audioScript); err != nil {
			return nil, fmt.Errorf("audio script generation (%s): write: %w", lang, err)
		}
		if err := d.recordModelProgress(id, result); err != nil {
			return nil, err
		}
		scripts[lang] = audioScript
	}
	outputs["audio_scripts"] = scripts
	return map[string]any{"languages": len(scripts)}, nil
}

func (d *Driver) stageManifestUpdate(ctx context.Context, id string, outputs map[string]any) (map[string]any, error) {
	contentEngine := map[string]any{
		"script": outputs["script"],
		"seo":    outputs["seo"],
		"shorts": outputs["shorts"],
		"voice":  outputs["voice"],
	}
	if scripts, ok := outputs["audio_scripts"]; ok {
		contentEngine["audio_scripts"] = scripts
	}
	if _, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
		if x.Outputs == nil {
			x.Outputs = map[string]any{}
		}
		x.Outputs["content_engine"] = contentEngine
		return nil
	}); err != nil {
		return nil, err
	}
	return map[string]any{"persisted": true}, nil
}

func (d *Driver) stageFinalization(ctx context.Context, id string, mf *manifest.Manifest) (map[string]any, error) {
	target := manifest.StatusRendering
	if d.audioEnabled && len(d.audioLanguages) > 0 {
		target = manifest.StatusPendingAudio
		slots := make(map[string]transducers.AudioSlotStatus, len(d.audioLanguages))
		for _, lang := range d.audioLanguages {
			slots[lang] = transducers.AudioSlotPending
		}
		if _, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
			if x.Outputs == nil {
				x.Outputs = map[string]any{}
			}
			x.Outputs["audio"] = transducers.AudioConfig{Slots: slots}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if _, err := d.machine.Transition(id, target); err != nil {
		return nil, err
	}
	if _, err := d.hashIndex.MarkProcessed(mf.InputSource.Path, id); err != nil {
		slog.Warn("pipeline: finalization mark processed failed", "project_id", id, "error", err)
	}
	return map[string]any{"status": string(target)}, nil
}

// recordModelProgress keeps meta.used_models a correct prefix of the
// fallback chain after a successful fabric call that may have fallen
// back internally across models.
func (d *Driver) recordModelProgress(id string, result llm.Result) error {
	usedBefore := make([]string, 0, len(d.chainNames))
	for _, name := range d.chainNames {
		if name == result.ModelUsed {
			break
		}
		usedBefore = append(usedBefore, name)
	}
	_, err := d.manifests.Update(id, func(x *manifest.Manifest) error {
		x.Meta.UsedModels = usedBefore
		x.Meta.CurrentModel = result.ModelUsed
		x.Meta.IsFallbackMode = result.IsFallbackMode
		return nil
	})
	return err
}

func buildScriptPrompt(mf manifest.Manifest) string {
	return fmt.Sprintf("Write a video script as JSON ({\"segments\":[...]}) from this source document (language=%s):\n\n%s", mf.InputSource.DetectedLanguage, mf.InputSource.RawContent)
}

func buildSEOPrompt(mf manifest.Manifest) string {
	return fmt.Sprintf("Produce multi-region SEO metadata as JSON ({\"regions\":[...]}) for a video based on this source document:\n\n%s", mf.InputSource.RawContent)
}

func buildShortsPrompt(mf manifest.Manifest) string {
	return fmt.Sprintf("Extract up to 5 short-form hook clips as JSON ({\"hooks\":[...]}) from this source document:\n\n%s", mf.InputSource.RawContent)
}
