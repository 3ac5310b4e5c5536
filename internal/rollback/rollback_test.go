// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollback_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/rollback"
	"github.com/AleutianAI/snapback/internal/testsupport"
)

func mustPut(t *testing.T, h *testsupport.Harness, content string) (digest string, size int64) {
	t.Helper()
	d, err := h.Blobs.Put(context.Background(), []byte(content))
	require.NoError(t, err)
	return d, int64(len(content))
}

func TestRollbackRevertsModifiedFile(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()
	engine := rollback.New(h.Catalog, h.Blobs, h.Clock, h.Metrics, nil)

	h.WriteFile("a.txt", "new content")
	oldDigest, oldSize := mustPut(t, h, "old content")
	newDigest, newSize := mustPut(t, h, "new content")

	m := &manifest.SessionManifest{
		SessionID: "s1", WorkspaceKey: "ws",
		Changes: []manifest.ChangeRecord{{
			Path: "a.txt", Op: manifest.OpModified,
			DigestBefore: oldDigest, DigestAfter: newDigest,
			SizeBefore: &oldSize, SizeAfter: &newSize,
		}},
	}

	result, err := engine.Rollback(ctx, m, h.WorkspaceRoot, rollback.Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.FilesReverted, "a.txt")

	got, err := os.ReadFile(filepath.Join(h.WorkspaceRoot, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "old content", string(got))
}

func TestRollbackRecreatesDeletedFile(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()
	engine := rollback.New(h.Catalog, h.Blobs, h.Clock, h.Metrics, nil)

	digest, size := mustPut(t, h, "gone content")
	m := &manifest.SessionManifest{
		SessionID: "s2", WorkspaceKey: "ws",
		Changes: []manifest.ChangeRecord{{
			Path: "b.txt", Op: manifest.OpDeleted,
			DigestBefore: digest, SizeBefore: &size,
		}},
	}

	result, err := engine.Rollback(ctx, m, h.WorkspaceRoot, rollback.Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)

	got, err := os.ReadFile(filepath.Join(h.WorkspaceRoot, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "gone content", string(got))
}

func TestRollbackRemovesCreatedFile(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()
	engine := rollback.New(h.Catalog, h.Blobs, h.Clock, h.Metrics, nil)

	h.WriteFile("c.txt", "freshly created")
	digest, size := mustPut(t, h, "freshly created")

	m := &manifest.SessionManifest{
		SessionID: "s3", WorkspaceKey: "ws",
		Changes: []manifest.ChangeRecord{{
			Path: "c.txt", Op: manifest.OpCreated,
			DigestAfter: digest, SizeAfter: &size,
		}},
	}

	result, err := engine.Rollback(ctx, m, h.WorkspaceRoot, rollback.Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = os.Stat(filepath.Join(h.WorkspaceRoot, "c.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestRollbackDryRunDoesNotTouchDisk(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()
	engine := rollback.New(h.Catalog, h.Blobs, h.Clock, h.Metrics, nil)

	h.WriteFile("d.txt", "new content")
	oldDigest, oldSize := mustPut(t, h, "old content")
	newDigest, newSize := mustPut(t, h, "new content")

	m := &manifest.SessionManifest{
		SessionID: "s4", WorkspaceKey: "ws",
		Changes: []manifest.ChangeRecord{{
			Path: "d.txt", Op: manifest.OpModified,
			DigestBefore: oldDigest, DigestAfter: newDigest,
			SizeBefore: &oldSize, SizeAfter: &newSize,
		}},
	}

	result, err := engine.Rollback(ctx, m, h.WorkspaceRoot, rollback.Options{DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, result.DryRunPaths, "d.txt")

	got, err := os.ReadFile(filepath.Join(h.WorkspaceRoot, "d.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got), "dry run must not mutate the workspace")
}
