// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

var memguardInitOnce sync.Once

func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
}

// Credential holds a provider API key in locked, non-swappable memory for
// the lifetime of the process. It is never logged in full.
type Credential struct {
	buf *memguard.LockedBuffer
}

// LoadCredential reads an API key from the named environment variable, or
// from a Podman-secrets-style file at secretPath if the environment
// variable is unset, and locks it into guarded memory.
func LoadCredential(envVar, secretPath string) (*Credential, error) {
	initMemguard()

	value := os.Getenv(envVar)
	if value == "" && secretPath != "" {
		data, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("%s not set and secret file unreadable: %w", envVar, err)
		}
		value = strings.TrimSpace(string(data))
		slog.Info("loaded credential from secrets file", "env_var", envVar, "path", secretPath)
	}
	if value == "" {
		return nil, fmt.Errorf("%s environment variable not set", envVar)
	}

	buf := memguard.NewBufferFromBytes([]byte(value))
	if buf == nil || buf.Size() == 0 {
		return nil, fmt.Errorf("failed to lock credential for %s into guarded memory", envVar)
	}
	buf.Melt()
	return &Credential{buf: buf}, nil
}

// Value returns the plaintext secret. Callers must not retain the returned
// string beyond the immediate call they pass it into.
func (c *Credential) Value() string {
	if c == nil || c.buf == nil {
		return ""
	}
	return string(c.buf.Bytes())
}

// Redacted renders the credential safe for logging: first 3 and last 4
// characters visible, the rest masked.
func (c *Credential) Redacted() string {
	if c == nil || c.buf == nil {
		return "[unset]"
	}
	v := c.Value()
	if len(v) <= 8 {
		return "***"
	}
	return v[:3] + "..." + v[len(v)-4:]
}

// Destroy wipes the underlying guarded buffer. Safe to call multiple times.
func (c *Credential) Destroy() {
	if c == nil || c.buf == nil {
		return
	}
	c.buf.Destroy()
}

// PurgeAllCredentials wipes every memguard-allocated buffer. Call during
// graceful shutdown.
func PurgeAllCredentials() {
	memguard.Purge()
}
