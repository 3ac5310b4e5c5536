// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blobstore is the content-addressable, compressed,
// reference-counted byte store from spec.md §4.1.
//
// Grounded on other_examples/6cff9774_mfinelli-modctl's blobstore.go
// (sharded <root>/<fan>/<hash> layout, stream-while-hashing ingest via
// a temp file renamed into place) and
// other_examples/76fcb542_marmos91-dittofs's content-store shape.
// Reference counting has no teacher precedent and is implemented
// directly against spec.md §3/§4.1/§4.6's invariants, backed by
// internal/catalog for metadata.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/s2"

	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/metrics"
)

const algo = "sha256"

// GCGraceWindow is the default delay (spec.md §4.6/§4.7 blobGraceMs)
// before a zero-ref blob becomes eligible for physical deletion.
const GCGraceWindow = 24 * time.Hour

// Store is the on-disk blob store. Physical bytes live under
// Root/blobs/<algo>/<aa>/<bb>/<digest>.s2; metadata and refcounts live
// in the catalog.
type Store struct {
	root    string
	cat     *catalog.Catalog
	metrics *metrics.Registry
	clock   clock.Clock
	logger  *logging.Logger
}

// Stats is the public aggregate view from spec.md §4.1's stats() op.
type Stats struct {
	TotalBlobs        int64
	TotalUncompressed int64
	TotalCompressed   int64
	CompressionRatio  float64
}

// New constructs a Store rooted at root (a per-workspace data
// directory), backed by cat for metadata/refcounts.
func New(root string, cat *catalog.Catalog, reg *metrics.Registry, clk clock.Clock, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{
		root:    root,
		cat:     cat,
		metrics: reg,
		clock:   clk,
		logger:  logger.With("component", "blobstore"),
	}
}

func (s *Store) shardDir(digest string) string {
	return filepath.Join(s.root, "blobs", algo, digest[:2], digest[2:4])
}

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.shardDir(digest), digest+".s2")
}

// Put computes the SHA-256 of data, compresses and stores it if not
// already present, and returns the hex digest. Idempotent: calling
// Put twice with the same bytes never increases totalBlobs by more
// than one, and does not itself change refCount (spec.md P2/P3).
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	if _, err := s.cat.GetBlobMeta(ctx, digest); err == nil {
		if s.metrics != nil {
			s.metrics.BlobPuts.Inc()
		}
		return digest, nil // already present; put() is idempotent (spec.md §4.1)
	}

	dir := s.shardDir(digest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", ErrCompressionFailed, dir, err)
	}

	compressed := s2.Encode(nil, data)

	tmp, err := os.CreateTemp(dir, ".ingest-*")
	if err != nil {
		return "", fmt.Errorf("blobstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName) // no-op once renamed into place
	}()

	if _, err := tmp.Write(compressed); err != nil {
		return "", fmt.Errorf("blobstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("blobstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("blobstore: close temp: %w", err)
	}

	final := s.blobPath(digest)
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("blobstore: rename into place: %w", err)
	}

	if err := s.cat.PutBlobMeta(ctx, catalog.BlobMeta{
		Digest:         digest,
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		Algo:           algo,
		RefCount:       0,
		CreatedAt:      s.clock.Now(),
	}); err != nil {
		return "", fmt.Errorf("blobstore: record metadata: %w", err)
	}

	if s.metrics != nil {
		s.metrics.BlobPuts.Inc()
	}
	return digest, nil
}

// Get reads and decompresses the blob for digest, verifying its
// content hash before returning. A mismatch is ErrHashMismatch, kept
// distinguishable from ErrBlobNotFound (spec.md §4.1).
func (s *Store) Get(ctx context.Context, digest string) ([]byte, error) {
	if s.metrics != nil {
		s.metrics.BlobGets.Inc()
	}
	if _, err := s.cat.GetBlobMeta(ctx, digest); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
	}

	raw, err := os.ReadFile(s.blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
		}
		return nil, fmt.Errorf("blobstore: read %s: %w", digest, err)
	}

	data, err := s2.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompressionFailed, digest, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		if s.metrics != nil {
			s.metrics.BlobHashMismatch.Inc()
		}
		return nil, fmt.Errorf("%w: %s", ErrHashMismatch, digest)
	}
	return data, nil
}

// Has is a cheap existence check against the catalog only; it does not
// touch disk.
func (s *Store) Has(ctx context.Context, digest string) bool {
	_, err := s.cat.GetBlobMeta(ctx, digest)
	return err == nil
}

// IncRef increments digest's reference count by n (default 1).
func (s *Store) IncRef(ctx context.Context, digest string, n int64) error {
	if n == 0 {
		n = 1
	}
	return s.cat.IncRef(ctx, digest, n)
}

// DecRef decrements digest's reference count by n (default 1). Reaching
// zero does not delete the blob immediately; see GC.
func (s *Store) DecRef(ctx context.Context, digest string, n int64) error {
	if n == 0 {
		n = 1
	}
	return s.cat.DecRef(ctx, digest, n)
}

// GC deletes on-disk blobs (and their catalog rows) whose refCount is
// zero and whose createdAt is older than grace (spec.md §4.6). It
// returns the count of blobs collected.
func (s *Store) GC(ctx context.Context, grace time.Duration) (int, error) {
	if grace == 0 {
		grace = GCGraceWindow
	}
	candidates, err := s.cat.ZeroRefBlobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("blobstore: gc: list zero-ref blobs: %w", err)
	}

	cutoff := s.clock.Now().Add(-grace)
	collected := 0
	for _, meta := range candidates {
		if meta.CreatedAt.After(cutoff) {
			continue
		}
		path := s.blobPath(meta.Digest)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("gc: unlink blob failed", "digest", meta.Digest, "err", err)
			continue
		}
		if err := s.cat.DeleteBlobMeta(ctx, meta.Digest); err != nil {
			s.logger.Warn("gc: delete blob metadata failed", "digest", meta.Digest, "err", err)
			continue
		}
		collected++
	}
	if s.metrics != nil && collected > 0 {
		s.metrics.BlobsCollected.Add(float64(collected))
	}
	return collected, nil
}

// Stats aggregates totals across every known blob.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	raw, err := s.cat.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{
		TotalBlobs:        raw.TotalBlobs,
		TotalUncompressed: raw.TotalUncompressed,
		TotalCompressed:   raw.TotalCompressed,
	}
	if raw.TotalUncompressed > 0 {
		out.CompressionRatio = float64(raw.TotalCompressed) / float64(raw.TotalUncompressed)
	}
	return out, nil
}
