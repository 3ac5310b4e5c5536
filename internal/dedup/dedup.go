// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup implements the session deduplicator from spec.md
// §4.3.2: a bounded recency cache of session fingerprints that
// suppresses persisting a near-identical session finalized too soon
// after a prior one.
//
// Grounded on spec.md §4.3.2 directly (no teacher precedent for
// session fingerprinting); the bounded cache shape follows
// services/code_buddy/cache/precompute.go's "capacity-bounded hot set"
// pattern, reimplemented over github.com/dgraph-io/ristretto/v2 rather
// than container/heap.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/manifest"
)

// DefaultCacheSize is dedupCacheSize from spec.md §4.7.
const DefaultCacheSize = 100

// DefaultWindow is dedupWindowMs from spec.md §4.7.
const DefaultWindow = 5 * time.Minute

// DefaultMinFiles is minFilesForDedup from spec.md §4.7.
const DefaultMinFiles = 5

type entry struct {
	sessionID   string
	finalizedAt time.Time
}

// Deduplicator is a bounded LRU of recent session fingerprints.
type Deduplicator struct {
	cache      *ristretto.Cache[string, entry]
	window     time.Duration
	minFiles   int
	clock      clock.Clock
}

// Config controls the thresholds from spec.md §4.7.
type Config struct {
	CacheSize int
	Window    time.Duration
	MinFiles  int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{CacheSize: DefaultCacheSize, Window: DefaultWindow, MinFiles: DefaultMinFiles}
}

// New constructs a Deduplicator backed by a ristretto cache sized for
// cfg.CacheSize entries.
func New(cfg Config, clk clock.Clock) (*Deduplicator, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MinFiles <= 0 {
		cfg.MinFiles = DefaultMinFiles
	}
	if clk == nil {
		clk = clock.Real()
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, entry]{
		NumCounters: int64(cfg.CacheSize) * 10,
		MaxCost:     int64(cfg.CacheSize),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Deduplicator{cache: cache, window: cfg.Window, minFiles: cfg.MinFiles, clock: clk}, nil
}

// Close releases the underlying cache's background goroutines.
func (d *Deduplicator) Close() { d.cache.Close() }

// Fingerprint computes the session fingerprint from spec.md §4.3.2:
// SHA-256 over the sorted, canonicalized per-change summary lines.
func Fingerprint(changes []manifest.ChangeRecord) string {
	lines := make([]string, 0, len(changes))
	for _, c := range changes {
		lines = append(lines, c.Path+":"+string(c.Op)+":"+c.DigestBefore+":"+c.DigestAfter)
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// Check looks up fingerprint against the recency cache. If a match
// exists within the configured window and changeCount meets the
// minimum, it returns the existing sessionId and ok=true: the caller
// must not persist the new session. Sessions below minFiles always
// return ok=false (spec.md §4.3.2: "k-anonymity for small units has no
// value").
func (d *Deduplicator) Check(fingerprint string, changeCount int) (existingSessionID string, suppress bool) {
	if changeCount < d.minFiles {
		return "", false
	}
	v, found := d.cache.Get(fingerprint)
	if !found {
		return "", false
	}
	if d.clock.Now().Sub(v.finalizedAt) > d.window {
		return "", false
	}
	return v.sessionID, true
}

// Record stores fingerprint → (sessionID, now) in the cache, called
// after a session is actually persisted (never for a suppressed one).
func (d *Deduplicator) Record(fingerprint, sessionID string) {
	d.cache.Set(fingerprint, entry{sessionID: sessionID, finalizedAt: d.clock.Now()}, 1)
	d.cache.Wait()
}
