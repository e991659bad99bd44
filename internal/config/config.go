// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the non-secret tunables for the content pipeline
// from a YAML file, with environment variables layered on top for
// deployment-specific overrides and secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ModelSpec identifies one entry in the LLM fallback chain.
type ModelSpec struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
	Strict   bool   `yaml:"strict"`
}

// StaleThresholds holds the per-status staleness window used by the state
// machine's heartbeat to decide when a manifest is stuck.
type StaleThresholds struct {
	Analyzing      time.Duration `yaml:"analyzing"`
	Rendering      time.Duration `yaml:"rendering"`
	Uploading      time.Duration `yaml:"uploading"`
	DegradedRetry  time.Duration `yaml:"degraded_retry"`
}

// Config is the complete set of tunables for one orchestrator process.
type Config struct {
	IncomingDir    string   `yaml:"incoming_dir"`
	ProcessedDir   string   `yaml:"processed_dir"`
	ProjectsDir    string   `yaml:"projects_dir"`
	DeadLetterDir  string   `yaml:"dead_letter_dir"`
	LogsDir        string   `yaml:"logs_dir"`
	DataDir        string   `yaml:"data_dir"`

	RateLimitRPM      int           `yaml:"rate_limit_rpm"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	MaxWaiting        int           `yaml:"max_waiting"`
	APITimeout        time.Duration `yaml:"api_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxStaleRecoveries int          `yaml:"max_stale_recoveries"`

	StaleThresholds StaleThresholds `yaml:"stale_thresholds"`
	FallbackChain   []ModelSpec     `yaml:"fallback_chain"`
	AudioEnabled    bool            `yaml:"audio_enabled"`
	AudioLanguages  []string        `yaml:"audio_languages"`

	MockMode bool `yaml:"-"`
	LogLevel string `yaml:"-"`

	AdminHTTPAddr string `yaml:"-"`
}

// Default returns the configuration a fresh deployment starts with.
func Default() Config {
	return Config{
		IncomingDir:   "incoming",
		ProcessedDir:  "incoming/processed",
		ProjectsDir:   "projects",
		DeadLetterDir: "dead-letter",
		LogsDir:       "logs",
		DataDir:       "data",

		RateLimitRPM:       60,
		MaxConcurrency:     4,
		MaxWaiting:         32,
		APITimeout:         120 * time.Second,
		HeartbeatInterval:  60 * time.Second,
		MaxRetries:         3,
		MaxStaleRecoveries: 3,

		StaleThresholds: StaleThresholds{
			Analyzing:     10 * time.Minute,
			Rendering:     30 * time.Minute,
			Uploading:     5 * time.Minute,
			DegradedRetry: 15 * time.Minute,
		},

		FallbackChain: []ModelSpec{
			{Name: "gpt-4o-mini", Provider: "openai", Strict: false},
			{Name: "gpt-4o", Provider: "openai", Strict: false},
			{Name: "gpt-4o-strict", Provider: "openai", Strict: true},
		},
	}
}

var (
	// Global is the process-wide configuration, populated by Load.
	Global Config
	once   sync.Once
	loadErr error
)

// Load reads config.yaml (creating a default copy on first run) and layers
// environment-variable overrides on top. Safe to call more than once; only
// the first call does any work.
func Load(path string) error {
	once.Do(func() {
		loadErr = loadInternal(path)
	})
	return loadErr
}

func loadInternal(path string) error {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	applyEnvOverrides(&cfg)
	Global = cfg
	return nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func applyEnvOverrides(cfg *Config) {
	cfg.MockMode = os.Getenv("MOCK_MODE") == "true"
	cfg.LogLevel = envOrDefault("LOG_LEVEL", "info")
	cfg.AdminHTTPAddr = os.Getenv("ADMIN_HTTP_ADDR")

	if v := os.Getenv("INCOMING_DIR"); v != "" {
		cfg.IncomingDir = v
	}
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitRPM = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("API_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.APITimeout = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HeartbeatInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetries = n
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
