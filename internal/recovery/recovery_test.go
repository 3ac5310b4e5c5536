// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package recovery_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/recovery"
	"github.com/AleutianAI/snapback/internal/testsupport"
)

func TestRunRestoresBackupForPendingJournal(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()

	target := filepath.Join(h.WorkspaceRoot, "a.txt")
	backup := target + ".bak-s1"
	require.NoError(t, os.WriteFile(backup, []byte("original"), 0o644))

	require.NoError(t, h.Catalog.PutJournal(ctx, catalog.JournalRecord{
		SessionID: "s1", WorkspaceRoot: h.WorkspaceRoot, CreatedAt: h.Clock.Now(),
		Status:  catalog.JournalPending,
		Backups: []catalog.BackupPair{{TargetPath: target, BackupPath: backup}},
	}))

	sweeper := recovery.New(h.Catalog, h.Clock, 0, nil)
	report, err := sweeper.Run(ctx, h.WorkspaceRoot)
	require.NoError(t, err)
	assert.Contains(t, report.Replayed, "s1")

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))

	_, err = h.Catalog.GetJournal(ctx, catalog.JournalPending, "s1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRunDeletesPendingJournalWithNoSurvivingBackup(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()

	require.NoError(t, h.Catalog.PutJournal(ctx, catalog.JournalRecord{
		SessionID: "s2", WorkspaceRoot: h.WorkspaceRoot, CreatedAt: h.Clock.Now(),
		Status: catalog.JournalPending,
		Backups: []catalog.BackupPair{{
			TargetPath: filepath.Join(h.WorkspaceRoot, "gone.txt"),
			BackupPath: filepath.Join(h.WorkspaceRoot, "gone.txt.bak-s2"),
		}},
	}))

	sweeper := recovery.New(h.Catalog, h.Clock, 0, nil)
	report, err := sweeper.Run(ctx, h.WorkspaceRoot)
	require.NoError(t, err)
	assert.Contains(t, report.Replayed, "s2")

	_, err = h.Catalog.GetJournal(ctx, catalog.JournalPending, "s2")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRunPrunesStaleCommittedJournals(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()

	require.NoError(t, h.Catalog.PutJournal(ctx, catalog.JournalRecord{
		SessionID: "old", WorkspaceRoot: h.WorkspaceRoot, CreatedAt: h.Clock.Now(),
		Status: catalog.JournalCommitted,
	}))

	retention := 1 * time.Hour
	sweeper := recovery.New(h.Catalog, h.Clock, retention, nil)
	h.Clock.Advance(2 * time.Hour)

	report, err := sweeper.Run(ctx, h.WorkspaceRoot)
	require.NoError(t, err)
	assert.Contains(t, report.Pruned, "old")

	_, err = h.Catalog.GetJournal(ctx, catalog.JournalCommitted, "old")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestRunKeepsFreshCommittedJournals(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()

	require.NoError(t, h.Catalog.PutJournal(ctx, catalog.JournalRecord{
		SessionID: "fresh", WorkspaceRoot: h.WorkspaceRoot, CreatedAt: h.Clock.Now(),
		Status: catalog.JournalCommitted,
	}))

	sweeper := recovery.New(h.Catalog, h.Clock, 1*time.Hour, nil)
	report, err := sweeper.Run(ctx, h.WorkspaceRoot)
	require.NoError(t, err)
	assert.NotContains(t, report.Pruned, "fresh")
}

func TestRunRemovesOrphanBackupsWithoutLiveJournal(t *testing.T) {
	h := testsupport.New(t)
	ctx := context.Background()

	orphan := filepath.Join(h.WorkspaceRoot, "x.txt.bak-dead-session")
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o644))

	sweeper := recovery.New(h.Catalog, h.Clock, 0, nil)
	report, err := sweeper.Run(ctx, h.WorkspaceRoot)
	require.NoError(t, err)
	assert.Contains(t, report.Orphans, orphan)

	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
}
