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

// Voice is the selected narration voice for one language slot.
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Language string `json:"language"`
}

var defaultVoices = map[string]Voice{
	"en": {VoiceID: "en-US-narrator-01", Language: "en"},
	"zh": {VoiceID: "zh-CN-narrator-01", Language: "zh"},
}

// MatchVoice is a pure lookup from detected language to the narration
// voice that reads it. No LLM call, no I/O: the pipeline driver's
// VOICE_MATCHING stage is a pure function over the manifest's already-
// detected input language.
func MatchVoice(language string) Voice {
	if v, ok := defaultVoices[language]; ok {
		return v
	}
	return defaultVoices["en"]
}
