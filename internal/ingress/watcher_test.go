// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingress

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, handler Handler) (*Watcher, string, string) {
	t.Helper()
	incoming := filepath.Join(t.TempDir(), "incoming")
	processed := filepath.Join(t.TempDir(), "processed")
	require.NoError(t, os.MkdirAll(incoming, 0o755))

	w, err := New(Config{
		IncomingDir:  incoming,
		ProcessedDir: processed,
		AllowedExt:   []string{".txt", ".md"},
		StableDelay:  20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, handler)
	require.NoError(t, err)
	return w, incoming, processed
}

func TestWatcher_EligibleRejectsHiddenFiles(t *testing.T) {
	w, incoming, _ := newTestWatcher(t, nil)
	assert.False(t, w.eligible(filepath.Join(incoming, ".hidden.txt")))
}

func TestWatcher_EligibleRejectsProcessedDir(t *testing.T) {
	w, _, processed := newTestWatcher(t, nil)
	assert.False(t, w.eligible(filepath.Join(processed, "doc.txt")))
}

func TestWatcher_EligibleEnforcesExtensionAllowlist(t *testing.T) {
	w, incoming, _ := newTestWatcher(t, nil)
	assert.True(t, w.eligible(filepath.Join(incoming, "doc.txt")))
	assert.False(t, w.eligible(filepath.Join(incoming, "doc.exe")))
}

func TestWatcher_EligibleAllowsAnyExtensionWhenAllowlistEmpty(t *testing.T) {
	w, incoming, _ := newTestWatcher(t, nil)
	w.cfg.AllowedExt = nil
	assert.True(t, w.eligible(filepath.Join(incoming, "doc.whatever")))
}

func TestWatcher_CheckStableResetsTimerOnSizeChange(t *testing.T) {
	w, incoming, _ := newTestWatcher(t, nil)
	path := filepath.Join(incoming, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	w.noteEvent(fakeEvent(path))
	w.mu.Lock()
	pf := w.pending[path]
	firstChanged := pf.lastChanged
	w.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("hello world, now longer"), 0o644))
	w.checkStable(context.Background(), path)

	w.mu.Lock()
	pf = w.pending[path]
	require.NotNil(t, pf)
	assert.False(t, pf.done)
	assert.True(t, pf.lastChanged.After(firstChanged))
	w.mu.Unlock()
}

func TestWatcher_CheckStableDispatchesAfterStableDelay(t *testing.T) {
	dispatched := make(chan Ready, 1)
	w, incoming, processed := newTestWatcher(t, func(ctx context.Context, r Ready) error {
		dispatched <- r
		return nil
	})
	path := filepath.Join(incoming, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("the quick brown fox"), 0o644))

	w.noteEvent(fakeEvent(path))
	time.Sleep(w.cfg.StableDelay + 10*time.Millisecond)
	w.checkStable(context.Background(), path)

	select {
	case ready := <-dispatched:
		assert.Equal(t, "en", ready.Language)
		assert.Equal(t, 4, ready.WordCount)
		assert.Equal(t, filepath.Join(processed, "doc.txt"), ready.Path)
	case <-time.After(time.Second):
		t.Fatal("handler was never called")
	}

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "source file should have been moved")
	_, err = os.Stat(filepath.Join(processed, "doc.txt"))
	assert.NoError(t, err, "processed file should exist")
}

func TestWatcher_CheckStableDoesNotDispatchBeforeStableDelay(t *testing.T) {
	called := false
	w, incoming, _ := newTestWatcher(t, func(ctx context.Context, r Ready) error {
		called = true
		return nil
	})
	path := filepath.Join(incoming, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("still being written"), 0o644))

	w.noteEvent(fakeEvent(path))
	w.checkStable(context.Background(), path)

	assert.False(t, called)
	_, err := os.Stat(path)
	assert.NoError(t, err, "source file should not have moved yet")
}

func TestWatcher_DispatchMovesFileBeforeInvokingHandler(t *testing.T) {
	var pathAtHandlerTime string
	var w *Watcher
	var incoming, processed string
	w, incoming, processed = newTestWatcher(t, func(ctx context.Context, r Ready) error {
		_, errIncoming := os.Stat(filepath.Join(incoming, "doc.txt"))
		pathAtHandlerTime = r.Path
		assert.True(t, os.IsNotExist(errIncoming), "file must already be moved when handler runs")
		return nil
	})
	path := filepath.Join(incoming, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	w.dispatch(context.Background(), path)

	assert.Equal(t, filepath.Join(processed, "doc.txt"), pathAtHandlerTime)
}

func TestWatcher_DispatchHandlerErrorDoesNotUndoMove(t *testing.T) {
	w, incoming, processed := newTestWatcher(t, func(ctx context.Context, r Ready) error {
		return assert.AnError
	})
	path := filepath.Join(incoming, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	w.dispatch(context.Background(), path)

	_, err := os.Stat(filepath.Join(processed, "doc.txt"))
	assert.NoError(t, err, "move must stick even when the handler fails")
}

func fakeEvent(path string) fsnotify.Event {
	return fsnotify.Event{Name: path, Op: fsnotify.Write}
}
