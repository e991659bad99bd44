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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yt-factory/orchestrator/internal/llm"
	"github.com/yt-factory/orchestrator/internal/queue"
)

// AudioSlotStatus is one language slot's render status within a
// project's audio/ directory.
type AudioSlotStatus string

const (
	AudioSlotPending AudioSlotStatus = "pending"
	AudioSlotReady   AudioSlotStatus = "ready"
	AudioSlotFailed  AudioSlotStatus = "failed"
)

// AudioConfig tracks every configured language slot's render status for
// one project. It is the "updated_config" the audio collaborator's
// contract returns from CheckAndUpdateAudioStatus.
type AudioConfig struct {
	Slots map[string]AudioSlotStatus `json:"slots"`
}

// AllReady reports whether every configured slot has reported ready.
func (c AudioConfig) AllReady() bool {
	if len(c.Slots) == 0 {
		return false
	}
	for _, status := range c.Slots {
		if status != AudioSlotReady {
			return false
		}
	}
	return true
}

// CheckAndUpdateAudioStatus polls projectDir/audio/<lang>.status for each
// configured slot and returns the config with each slot's status
// refreshed from disk. The concrete audio render pipeline is an external
// collaborator; this function only observes its output files.
func CheckAndUpdateAudioStatus(projectDir string, cfg AudioConfig) AudioConfig {
	updated := AudioConfig{Slots: make(map[string]AudioSlotStatus, len(cfg.Slots))}
	for lang, current := range cfg.Slots {
		updated.Slots[lang] = readSlotStatus(projectDir, lang, current)
	}
	return updated
}

func readSlotStatus(projectDir, lang string, fallback AudioSlotStatus) AudioSlotStatus {
	path := filepath.Join(projectDir, "audio", lang+".status")
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	var reported struct {
		Status AudioSlotStatus `json:"status"`
	}
	if err := json.Unmarshal(data, &reported); err != nil {
		return fallback
	}
	return reported.Status
}

// AudioScript is the per-language narration line list the external audio
// collaborator renders into a track. It is the input half of the audio/
// contract SweepAudio's status polling later observes the output of.
type AudioScript struct {
	Language string   `json:"language" validate:"required"`
	Lines    []string `json:"lines" validate:"required,min=1,dive,required"`
}

// GenerateAudioScript asks the fabric to localize script into a flat list
// of narration lines for language, one per segment, suitable for the
// audio collaborator to render without needing to re-derive timing from
// the original script.
func GenerateAudioScript(ctx context.Context, fabric *llm.Fabric, script Script, language string, req llm.GenerateRequest) (AudioScript, llm.Result, error) {
	lines := make([]string, len(script.Segments))
	for i, seg := range script.Segments {
		lines[i] = seg.Voiceover
	}
	prompt := fmt.Sprintf(
		"Translate the following narration lines into %s, preserving order and line count. "+
			"Respond as JSON {\"lines\":[...]} with exactly %d lines:\n\n%s",
		language, len(lines), strings.Join(lines, "\n"))

	req.Priority = queue.Low
	result, err := fabric.Generate(ctx, prompt, req)
	if err != nil {
		return AudioScript{}, result, err
	}

	var decoded struct {
		Lines []string `json:"lines"`
	}
	if err := json.Unmarshal([]byte(result.Text), &decoded); err != nil {
		return AudioScript{}, result, fmt.Errorf("transducers: audio script unmarshal: %w", err)
	}
	out := AudioScript{Language: language, Lines: decoded.Lines}
	if err := validate.Struct(out); err != nil {
		return AudioScript{}, result, err
	}
	return out, result, nil
}

// WriteAudioScript persists script to projectDir/audio/<language>.script.json,
// the input file the external audio-render collaborator reads before it
// starts writing the status files CheckAndUpdateAudioStatus polls.
func WriteAudioScript(projectDir string, script AudioScript) error {
	dir := filepath.Join(projectDir, "audio")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(script)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, script.Language+".script.json")
	return os.WriteFile(path, data, 0o644)
}
