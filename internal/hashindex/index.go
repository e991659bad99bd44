// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashindex implements the content-hash duplicate-detection
// index: a size-then-hash check over processed inputs, persisted to
// disk, with age- and LRU-bounded cleanup.
package hashindex

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/yt-factory/orchestrator/internal/storeutil"
)

// Method reports which check path IsProcessed took.
type Method string

const (
	SizeMismatch Method = "size_mismatch"
	HashMismatch Method = "hash_mismatch"
	HashMatch    Method = "hash_match"
)

// Entry is one recorded processed file.
type Entry struct {
	Hash        string    `json:"hash"`
	Size        int64     `json:"size"`
	ProjectID   string    `json:"project_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Path        string    `json:"path"`
}

// Result is the outcome of IsProcessed.
type Result struct {
	Processed bool
	Method    Method
	Existing  *Entry
}

// Index is the process-owned content-hash duplicate-detection singleton.
// Initialisation is idempotent and guarded against torn concurrent loads.
type Index struct {
	path string

	initOnce sync.Once
	initErr  error

	mu        sync.RWMutex
	byHash    map[string]*Entry
	bySize    map[int64][]string
}

// New constructs an Index persisting to path. Callers must call Init
// before first use; it is safe to call Init from multiple goroutines.
func New(path string) *Index {
	return &Index{path: path, byHash: make(map[string]*Entry), bySize: make(map[int64][]string)}
}

// Init loads any previously persisted index exactly once, no matter how
// many goroutines call it concurrently.
func (idx *Index) Init() error {
	idx.initOnce.Do(func() {
		idx.initErr = idx.load()
	})
	return idx.initErr
}

func (idx *Index) load() error {
	var entries []*Entry
	if err := storeutil.ReadJSON(idx.path, &entries); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, e := range entries {
		idx.byHash[e.Hash] = e
		idx.bySize[e.Size] = append(idx.bySize[e.Size], e.Hash)
	}
	return nil
}

// IsProcessed checks path against the index using the size-then-hash
// protocol: a size absent from the index is a fast negative without
// touching the file's contents; only a size hit pays for a full digest.
func (idx *Index) IsProcessed(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, err
	}
	size := info.Size()

	idx.mu.RLock()
	hashes, ok := idx.bySize[size]
	idx.mu.RUnlock()
	if !ok {
		return Result{Processed: false, Method: SizeMismatch}, nil
	}

	digest, err := hashFile(path)
	if err != nil {
		return Result{}, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	for _, h := range hashes {
		if h == digest {
			entry := idx.byHash[h]
			return Result{Processed: true, Method: HashMatch, Existing: entry}, nil
		}
	}
	return Result{Processed: false, Method: HashMismatch}, nil
}

// MarkProcessed inserts or refreshes the entry for path and persists the
// index.
func (idx *Index) MarkProcessed(path, projectID string) (*Entry, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	digest, err := hashFile(path)
	if err != nil {
		return nil, err
	}

	entry := &Entry{Hash: digest, Size: info.Size(), ProjectID: projectID, ProcessedAt: time.Now(), Path: path}

	idx.mu.Lock()
	if _, exists := idx.byHash[digest]; !exists {
		idx.bySize[entry.Size] = append(idx.bySize[entry.Size], digest)
	}
	idx.byHash[digest] = entry
	snapshot := idx.snapshotLocked()
	idx.mu.Unlock()

	if err := storeutil.WriteJSONAtomic(idx.path, snapshot); err != nil {
		return nil, err
	}
	return entry, nil
}

// Cleanup removes entries older than maxAge, then trims the remainder to
// maxEntries by least-recently-processed.
func (idx *Index) Cleanup(maxAge time.Duration, maxEntries int) error {
	idx.mu.Lock()
	cutoff := time.Now().Add(-maxAge)
	for hash, e := range idx.byHash {
		if e.ProcessedAt.Before(cutoff) {
			idx.removeLocked(hash)
		}
	}

	if maxEntries > 0 && len(idx.byHash) > maxEntries {
		all := make([]*Entry, 0, len(idx.byHash))
		for _, e := range idx.byHash {
			all = append(all, e)
		}
		sort.Slice(all, func(i, j int) bool { return all[i].ProcessedAt.Before(all[j].ProcessedAt) })
		excess := len(all) - maxEntries
		for i := 0; i < excess; i++ {
			idx.removeLocked(all[i].Hash)
		}
	}
	snapshot := idx.snapshotLocked()
	idx.mu.Unlock()

	return storeutil.WriteJSONAtomic(idx.path, snapshot)
}

func (idx *Index) removeLocked(hash string) {
	e, ok := idx.byHash[hash]
	if !ok {
		return
	}
	delete(idx.byHash, hash)
	hashes := idx.bySize[e.Size]
	for i, h := range hashes {
		if h == hash {
			idx.bySize[e.Size] = append(hashes[:i], hashes[i+1:]...)
			break
		}
	}
	if len(idx.bySize[e.Size]) == 0 {
		delete(idx.bySize, e.Size)
	}
}

func (idx *Index) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, len(idx.byHash))
	for _, e := range idx.byHash {
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
