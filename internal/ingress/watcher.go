// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingress watches a directory for new documents, waits for each
// file's write to go stable, pre-analyzes its language and length, and
// atomically moves it to the processed directory before dispatching it
// to the pipeline driver.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Ready is the payload dispatched to the handler once a file's write has
// gone stable and it has been moved to the processed directory.
type Ready struct {
	Path        string
	Content     string
	WordCount   int
	ReadingTime time.Duration
	Language    string
}

// Handler processes one ready document. Errors are logged but never
// rewind the atomic move already performed.
type Handler func(ctx context.Context, r Ready) error

// Config controls watcher behavior.
type Config struct {
	IncomingDir  string
	ProcessedDir string
	AllowedExt   []string
	StableDelay  time.Duration
	PollInterval time.Duration
}

// Watcher is the C13 ingress component.
type Watcher struct {
	cfg     Config
	handler Handler
	fsw     *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*pendingFile
}

type pendingFile struct {
	lastSize    int64
	lastChanged time.Time
	done        bool
}

// New constructs a Watcher. cfg.StableDelay and cfg.PollInterval default
// to 2s and 100ms respectively when unset.
func New(cfg Config, handler Handler) (*Watcher, error) {
	if cfg.StableDelay <= 0 {
		cfg.StableDelay = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("ingress: create watcher: %w", err)
	}
	return &Watcher{cfg: cfg, handler: handler, fsw: fsw, pending: make(map[string]*pendingFile)}, nil
}

// Start watches cfg.IncomingDir until ctx is cancelled. Intended to run
// in its own goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsw.Add(w.cfg.IncomingDir); err != nil {
		return fmt.Errorf("ingress: watch %s: %w", w.cfg.IncomingDir, err)
	}
	defer w.fsw.Close()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.noteEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ingress watcher error", "error", err)
		case <-ticker.C:
			w.sweepStable(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) noteEvent(event fsnotify.Event) {
	if !w.eligible(event.Name) {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[event.Name] = &pendingFile{lastSize: info.Size(), lastChanged: time.Now()}
}

func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	if strings.HasPrefix(path, w.cfg.ProcessedDir) {
		return false
	}
	if len(w.cfg.AllowedExt) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range w.cfg.AllowedExt {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (w *Watcher) sweepStable(ctx context.Context) {
	w.mu.Lock()
	var toCheck []string
	for path, pf := range w.pending {
		if !pf.done {
			toCheck = append(toCheck, path)
		}
	}
	w.mu.Unlock()

	for _, path := range toCheck {
		w.checkStable(ctx, path)
	}
}

func (w *Watcher) checkStable(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		return
	}

	w.mu.Lock()
	pf, ok := w.pending[path]
	if !ok || pf.done {
		w.mu.Unlock()
		return
	}
	if info.Size() != pf.lastSize {
		pf.lastSize = info.Size()
		pf.lastChanged = time.Now()
		w.mu.Unlock()
		return
	}
	stableFor := time.Since(pf.lastChanged)
	if stableFor < w.cfg.StableDelay {
		w.mu.Unlock()
		return
	}
	pf.done = true
	w.mu.Unlock()

	w.dispatch(ctx, path)
}

func (w *Watcher) dispatch(ctx context.Context, path string) {
	defer func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("ingress: read failed", "path", path, "error", err)
		return
	}
	content := string(data)
	analysis := Analyze(content)

	processedPath := filepath.Join(w.cfg.ProcessedDir, filepath.Base(path))
	if err := os.MkdirAll(w.cfg.ProcessedDir, 0o755); err != nil {
		slog.Error("ingress: create processed dir failed", "error", err)
		return
	}
	if err := os.Rename(path, processedPath); err != nil {
		slog.Error("ingress: atomic move failed", "path", path, "error", err)
		return
	}

	ready := Ready{
		Path:        processedPath,
		Content:     content,
		WordCount:   analysis.WordCount,
		ReadingTime: analysis.ReadingTime,
		Language:    analysis.Language,
	}
	if err := w.handler(ctx, ready); err != nil {
		slog.Error("ingress: handler failed", "path", processedPath, "error", err)
	}
}
