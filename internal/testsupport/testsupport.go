// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package testsupport provides shared fixtures for the engine's
// package tests: a temp workspace with an in-memory catalog and a
// real-but-disposable blob store, all driven by a fake clock.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/snapback/internal/blobstore"
	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/dedup"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/metrics"
)

// Harness bundles a disposable workspace and the collaborators backed
// by it, for use in a single test.
type Harness struct {
	T             *testing.T
	WorkspaceRoot string
	Catalog       *catalog.Catalog
	Blobs         *blobstore.Store
	Dedupe        *dedup.Deduplicator
	Clock         *clock.Fake
	Metrics       *metrics.Registry
}

// New builds a Harness rooted at a fresh t.TempDir(), with an
// in-memory catalog and a fake clock starting at a fixed, deterministic
// instant.
func New(t *testing.T) *Harness {
	t.Helper()

	workspace := t.TempDir()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := metrics.New()
	logger := logging.Default()

	cat, err := catalog.Open(catalog.InMemoryConfig("test-holder"), logger)
	if err != nil {
		t.Fatalf("testsupport: open catalog: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	blobRoot := t.TempDir()
	store := blobstore.New(blobRoot, cat, reg, fake, logger)

	dd, err := dedup.New(dedup.DefaultConfig(), fake)
	if err != nil {
		t.Fatalf("testsupport: new deduplicator: %v", err)
	}
	t.Cleanup(dd.Close)

	return &Harness{
		T:             t,
		WorkspaceRoot: workspace,
		Catalog:       cat,
		Blobs:         store,
		Dedupe:        dd,
		Clock:         fake,
		Metrics:       reg,
	}
}

// WriteFile writes content at a path relative to the workspace root,
// returning the absolute path for convenience in Track calls.
func (h *Harness) WriteFile(relPath, content string) string {
	h.T.Helper()
	full := filepath.Join(h.WorkspaceRoot, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		h.T.Fatalf("testsupport: mkdir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		h.T.Fatalf("testsupport: write %s: %v", relPath, err)
	}
	return full
}

// RemoveFile deletes a path relative to the workspace root.
func (h *Harness) RemoveFile(relPath string) {
	h.T.Helper()
	if err := os.Remove(filepath.Join(h.WorkspaceRoot, relPath)); err != nil {
		h.T.Fatalf("testsupport: remove %s: %v", relPath, err)
	}
}
