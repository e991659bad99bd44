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

	"github.com/go-playground/validator/v10"
)

// manifestValidate is the package-level validator instance, configured
// once in init() with the custom rules stock tags cannot express.
var manifestValidate *validator.Validate

func init() {
	manifestValidate = validator.New()
	manifestValidate.RegisterStructValidation(validateUsedModelsPrefix, Manifest{})
}

// validateUsedModelsPrefix enforces invariant (v): meta.used_models must
// be a prefix of the configured fallback chain, in order. The fallback
// chain itself is supplied by the caller via SetFallbackChain, since the
// manifest schema cannot know the configured chain on its own.
func validateUsedModelsPrefix(sl validator.StructLevel) {
	m := sl.Current().Interface().(Manifest)
	chain := currentFallbackChain()
	if len(chain) == 0 || len(m.Meta.UsedModels) == 0 {
		return
	}
	if len(m.Meta.UsedModels) > len(chain) {
		sl.ReportError(m.Meta.UsedModels, "UsedModels", "UsedModels", "used_models_prefix", "")
		return
	}
	for i, model := range m.Meta.UsedModels {
		if model != chain[i] {
			sl.ReportError(m.Meta.UsedModels, "UsedModels", "UsedModels", "used_models_prefix", "")
			return
		}
	}
}

var fallbackChain []string

// SetFallbackChain configures the model names Validate checks
// meta.used_models against, in fallback order. While no chain is set,
// Validate skips the used_models prefix check; the contentpipe command
// does not call SetFallbackChain, so the check is not applied there.
func SetFallbackChain(names []string) {
	fallbackChain = names
}

func currentFallbackChain() []string { return fallbackChain }

// Validate runs schema validation against m, returning every violation as
// a single wrapped error.
func Validate(m Manifest) error {
	if err := manifestValidate.Struct(m); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	if m.UpdatedAt.Before(m.CreatedAt) {
		return fmt.Errorf("manifest validation failed: updated_at is before created_at")
	}
	return nil
}
