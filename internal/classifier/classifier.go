// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier turns a Go error into a typed fingerprint and
// decides, for the cases that need a decision, whether the pipeline
// driver should degrade to the next model rather than simply retry.
package classifier

import (
	"errors"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/yt-factory/orchestrator/internal/manifest"
)

// Kind is the top-level fingerprint category.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindProviderAPI Kind = "provider_api"
	KindNetwork     Kind = "network"
	KindFilesystem  Kind = "filesystem"
	KindUnknown     Kind = "unknown"
)

// Fingerprint is the stable, serialisable classification of an error.
type Fingerprint struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// ProviderError is the typed signal the LLM fabric's adapters should wrap
// provider failures in, carrying the information the classifier's
// provider_api branch needs without resorting to message sniffing.
type ProviderError struct {
	Provider   string
	HTTPStatus int
	Reason     string
	Err        error
}

func (e *ProviderError) Error() string {
	return e.Provider + ": " + e.Reason + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// degradableValidationCodes holds the validator/v10 struct-tag names whose
// failure means the model emitted something structurally wrong (wrong
// enum member, out-of-range numeric, wrong length) that a different model
// is plausibly able to get right — as opposed to a rule this codebase
// itself defines (e.g. the used_models-prefix invariant), which degrading
// to another model cannot fix.
var degradableValidationCodes = map[string]bool{
	"oneof": true,
	"max":   true,
	"min":   true,
	"lte":   true,
	"gte":   true,
	"gt":    true,
	"len":   true,
}

var nonDegradableProviderMarkers = []string{"429", "401", "403", "quota", "unauthorized"}

// Classify maps err to a Fingerprint, preferring typed signals
// (validator.ValidationErrors, *ProviderError, *net.OpError,
// os.IsNotExist-family) over message inspection, and falling back to
// message inspection only where the Go standard library and this
// codebase's adapters offer no typed alternative.
func Classify(err error) Fingerprint {
	if err == nil {
		return Fingerprint{Kind: KindUnknown, Code: "unknown", Message: "nil error"}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		first := verrs[0]
		return Fingerprint{Kind: KindValidation, Code: first.Tag(), Path: first.Namespace(), Message: err.Error()}
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		code := provErr.Reason
		if provErr.HTTPStatus != 0 {
			code = strconv.Itoa(provErr.HTTPStatus) + "_" + strings.ToLower(provErr.Reason)
		}
		return Fingerprint{Kind: KindProviderAPI, Code: code, Message: err.Error()}
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return Fingerprint{Kind: KindNetwork, Code: "network_error", Message: err.Error()}
	}

	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) || errors.Is(err, os.ErrExist) {
		return Fingerprint{Kind: KindFilesystem, Code: filesystemCode(err), Message: err.Error()}
	}

	msg := err.Error()
	lower := strings.ToLower(msg)

	if containsAny(lower, "econnrefused", "etimedout", "network", "fetch") {
		return Fingerprint{Kind: KindNetwork, Code: "network_error", Message: msg}
	}
	if code := fsCodeFromMessage(msg); code != "" {
		return Fingerprint{Kind: KindFilesystem, Code: strings.ToLower(code), Message: msg}
	}
	if looksLikeProviderMessage(lower) {
		return Fingerprint{Kind: KindProviderAPI, Code: providerCodeFromMessage(lower), Message: msg}
	}

	return Fingerprint{Kind: KindUnknown, Code: "unknown", Message: msg}
}

// ShouldDegrade decides whether the fabric should move to the next model
// in the fallback chain rather than simply retry the current one.
func ShouldDegrade(fp Fingerprint, mf manifest.Manifest, chainLength int) bool {
	if len(mf.Meta.UsedModels) >= chainLength {
		return false
	}
	switch fp.Kind {
	case KindValidation:
		return degradableValidationCodes[fp.Code]
	case KindProviderAPI:
		return !containsAny(strings.ToLower(fp.Code), nonDegradableProviderMarkers...)
	default:
		return false
	}
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func filesystemCode(err error) string {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return "enoent"
	case errors.Is(err, os.ErrPermission):
		return "eacces"
	case errors.Is(err, os.ErrExist):
		return "eexist"
	default:
		return "filesystem_error"
	}
}

var fsCodes = []string{"ENOENT", "EACCES", "EPERM", "EEXIST", "ENOTDIR"}

func fsCodeFromMessage(msg string) string {
	upper := strings.ToUpper(msg)
	for _, code := range fsCodes {
		if strings.Contains(upper, code) {
			return code
		}
	}
	return ""
}

func looksLikeProviderMessage(lower string) bool {
	return containsAny(lower, "openai", "anthropic", "gpt-", "claude", "rate limit", "quota", "unauthorized")
}

func providerCodeFromMessage(lower string) string {
	for _, marker := range nonDegradableProviderMarkers {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return "provider_error"
}
