// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/fsatomic"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/manifest"
)

func openTestCatalog(t *testing.T, holder string) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(catalog.InMemoryConfig(holder), logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func TestBlobMetaPutIsIdempotent(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()

	meta := catalog.BlobMeta{Digest: "abc", Size: 10, CompressedSize: 5, Algo: "sha256", CreatedAt: time.Now()}
	require.NoError(t, cat.PutBlobMeta(ctx, meta))
	require.NoError(t, cat.IncRef(ctx, "abc", 3))
	require.NoError(t, cat.PutBlobMeta(ctx, meta)) // second put must not reset refCount

	got, err := cat.GetBlobMeta(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.RefCount)
}

func TestGetBlobMetaNotFound(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	_, err := cat.GetBlobMeta(context.Background(), "missing")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDecRefFloorsAtZero(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()
	require.NoError(t, cat.PutBlobMeta(ctx, catalog.BlobMeta{Digest: "x", CreatedAt: time.Now()}))
	require.NoError(t, cat.DecRef(ctx, "x", 5))

	got, err := cat.GetBlobMeta(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RefCount)
}

func TestZeroRefBlobsTracksTransitions(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()
	require.NoError(t, cat.PutBlobMeta(ctx, catalog.BlobMeta{Digest: "y", CreatedAt: time.Now()}))

	zero, err := cat.ZeroRefBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, zero, 1)

	require.NoError(t, cat.IncRef(ctx, "y", 1))
	zero, err = cat.ZeroRefBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, zero, 0)

	require.NoError(t, cat.DecRef(ctx, "y", 1))
	zero, err = cat.ZeroRefBlobs(ctx)
	require.NoError(t, err)
	assert.Len(t, zero, 1)
}

func TestSessionPutGetDelete(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()

	m := &manifest.SessionManifest{
		Schema: manifest.SchemaV1, SessionID: "s1", WorkspaceKey: "ws",
		StartedAt: 100, EndedAt: 200, Name: "Updated main.go",
		Changes: []manifest.ChangeRecord{{Path: "main.go", Op: manifest.OpModified}},
	}
	require.NoError(t, cat.PutSession(ctx, m))

	got, err := cat.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "Updated main.go", got.Name)

	require.NoError(t, cat.DeleteSession(ctx, "s1"))
	_, err = cat.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestListSessionsMostRecentFirst(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()

	for i, started := range []int64{100, 300, 200} {
		m := &manifest.SessionManifest{
			SessionID: "s" + string(rune('a'+i)), WorkspaceKey: "ws",
			StartedAt: started, EndedAt: started + 10,
		}
		require.NoError(t, cat.PutSession(ctx, m))
	}

	list, err := cat.ListSessions(ctx, "ws", 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(300), list[0].StartedAt)
	assert.Equal(t, int64(200), list[1].StartedAt)
	assert.Equal(t, int64(100), list[2].StartedAt)
}

func TestListSessionsRespectsLimit(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()
	for i, started := range []int64{100, 300, 200} {
		m := &manifest.SessionManifest{
			SessionID: "s" + string(rune('a'+i)), WorkspaceKey: "ws",
			StartedAt: started, EndedAt: started + 10,
		}
		require.NoError(t, cat.PutSession(ctx, m))
	}
	list, err := cat.ListSessions(ctx, "ws", 2)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestJournalMoveStatusIsAtomic(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()
	rec := catalog.JournalRecord{SessionID: "s1", WorkspaceRoot: "/ws", CreatedAt: time.Now(), Status: catalog.JournalPending}
	require.NoError(t, cat.PutJournal(ctx, rec))

	require.NoError(t, cat.MoveJournalStatus(ctx, "s1", catalog.JournalPending, catalog.JournalCommitted))

	_, err := cat.GetJournal(ctx, catalog.JournalPending, "s1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)

	got, err := cat.GetJournal(ctx, catalog.JournalCommitted, "s1")
	require.NoError(t, err)
	assert.Equal(t, catalog.JournalCommitted, got.Status)
}

func TestListJournalsFiltersByStatus(t *testing.T) {
	cat := openTestCatalog(t, "holder")
	ctx := context.Background()
	require.NoError(t, cat.PutJournal(ctx, catalog.JournalRecord{SessionID: "a", CreatedAt: time.Now(), Status: catalog.JournalPending}))
	require.NoError(t, cat.PutJournal(ctx, catalog.JournalRecord{SessionID: "b", CreatedAt: time.Now(), Status: catalog.JournalCommitted}))

	pending, err := cat.ListJournals(ctx, catalog.JournalPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].SessionID)
}

func TestAcquireWriterReacquiresAfterRelease(t *testing.T) {
	cat := openTestCatalog(t, "holder-1")

	release, err := cat.AcquireWriter(context.Background())
	require.NoError(t, err)
	release()

	release2, err := cat.AcquireWriter(context.Background())
	require.NoError(t, err)
	release2()
}

// On an on-disk catalog, AcquireWriter's local flock fast path must reject a
// second holder immediately, and release() must drop the flock so a third
// acquire (simulating the original holder returning) succeeds again.
func TestAcquireWriterLocalFlockRejectsConcurrentHolder(t *testing.T) {
	dir := t.TempDir()
	cfg := catalog.DefaultConfig(filepath.Join(dir, "catalog.db"), "holder-1")

	cat, err := catalog.Open(cfg, logging.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	release, err := cat.AcquireWriter(context.Background())
	require.NoError(t, err)

	// Simulate a second process racing for the same lock file: its own
	// flock attempt must fail with LOCK_EX|LOCK_NB while the first is held.
	f, err := os.OpenFile(cfg.Path+".lock", os.O_RDWR, 0o644)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	require.Error(t, fsatomic.Flock(f))

	release()

	// Lock is released; a fresh contender can now take it.
	require.NoError(t, fsatomic.Flock(f))
	require.NoError(t, fsatomic.Funlock(f))
}
