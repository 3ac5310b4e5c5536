// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package recovery implements the startup sweeper from spec.md §4.5:
// bring the workspace to a consistent state with respect to any
// pending rollback journal, then prune stale committed journals and
// orphan backup files.
//
// Grounded on spec.md §4.5 directly; the age-based retention sweep
// mirrors cmd/aleutian/backup.go's CleanOldBackups.
package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/fsatomic"
	"github.com/AleutianAI/snapback/internal/logging"
)

// DefaultJournalRetention is journalRetentionMs from spec.md §4.7.
const DefaultJournalRetention = 7 * 24 * time.Hour

// Report summarizes one sweep, for logging and the CLI `recover` command.
type Report struct {
	Replayed []string // sessionIds whose pending journal was replayed/discarded
	Pruned   []string // sessionIds whose committed journal was pruned
	Orphans  []string // orphan .bak-* paths removed
	Errors   []error
}

// Sweeper ties recovery to its collaborators.
type Sweeper struct {
	cat              *catalog.Catalog
	clock            clock.Clock
	logger           *logging.Logger
	journalRetention time.Duration
}

// New constructs a Sweeper. retention, if zero, defaults to
// DefaultJournalRetention.
func New(cat *catalog.Catalog, clk clock.Clock, retention time.Duration, logger *logging.Logger) *Sweeper {
	if clk == nil {
		clk = clock.Real()
	}
	if retention == 0 {
		retention = DefaultJournalRetention
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Sweeper{cat: cat, clock: clk, logger: logger.With("component", "recovery"), journalRetention: retention}
}

// Run performs one full sweep: replay/discard pending journals, prune
// old committed journals, then (if workspaceRoot is non-empty) clean
// orphan .bak-<sessionId> files under it.
func (s *Sweeper) Run(ctx context.Context, workspaceRoot string) (Report, error) {
	var report Report

	pending, err := s.cat.ListJournals(ctx, catalog.JournalPending)
	if err != nil {
		return report, fmt.Errorf("recovery: list pending journals: %w", err)
	}
	for _, j := range pending {
		if err := s.resolvePending(ctx, j); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("session %s: %w", j.SessionID, err))
			s.logger.Warn("recovery: failed to resolve pending journal", "session", j.SessionID, "err", err)
			continue
		}
		report.Replayed = append(report.Replayed, j.SessionID)
	}

	committed, err := s.cat.ListJournals(ctx, catalog.JournalCommitted)
	if err != nil {
		return report, fmt.Errorf("recovery: list committed journals: %w", err)
	}
	cutoff := s.clock.Now().Add(-s.journalRetention)
	liveSessions := make(map[string]bool, len(committed))
	for _, j := range committed {
		liveSessions[j.SessionID] = true
		if j.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.cat.DeleteJournal(ctx, catalog.JournalCommitted, j.SessionID); err != nil {
			report.Errors = append(report.Errors, fmt.Errorf("prune session %s: %w", j.SessionID, err))
			continue
		}
		report.Pruned = append(report.Pruned, j.SessionID)
	}

	if workspaceRoot != "" {
		orphans, err := s.cleanOrphanBackups(workspaceRoot, liveSessions)
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
		report.Orphans = orphans
	}

	return report, nil
}

// resolvePending brings the workspace to a consistent state for one
// pending journal (spec.md §4.5): for each backup pair still present,
// rename it back to its original location; once every pair is
// resolved, delete the journal. Partial success is logged, not retried.
func (s *Sweeper) resolvePending(ctx context.Context, j catalog.JournalRecord) error {
	anyBackupExists := false
	for _, b := range j.Backups {
		if _, err := os.Stat(b.BackupPath); err == nil {
			anyBackupExists = true
			break
		}
	}
	if !anyBackupExists {
		// Either the rollback never started, or its unlink loop had
		// already finished — in both cases the workspace is already
		// consistent.
		return s.cat.DeleteJournal(ctx, catalog.JournalPending, j.SessionID)
	}

	var firstErr error
	for _, b := range j.Backups {
		if _, err := os.Stat(b.BackupPath); err != nil {
			continue
		}
		if err := fsatomic.Rename(b.BackupPath, b.TargetPath); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.logger.Warn("recovery: restore backup failed", "session", j.SessionID, "target", b.TargetPath, "err", err)
			continue
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return s.cat.DeleteJournal(ctx, catalog.JournalPending, j.SessionID)
}

// cleanOrphanBackups walks workspaceRoot once and removes
// *.bak-<sessionId> files whose sessionId has no live committed
// journal (and, by construction, no pending one either — those were
// just resolved).
func (s *Sweeper) cleanOrphanBackups(workspaceRoot string, liveSessions map[string]bool) ([]string, error) {
	var removed []string
	err := filepath.WalkDir(workspaceRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort walk; skip unreadable entries
		}
		if d.IsDir() {
			return nil
		}
		sessionID, ok := backupSessionID(d.Name())
		if !ok || liveSessions[sessionID] {
			return nil
		}
		if rmErr := os.Remove(path); rmErr == nil {
			removed = append(removed, path)
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("recovery: walk workspace: %w", err)
	}
	return removed, nil
}

func backupSessionID(name string) (string, bool) {
	idx := strings.Index(name, ".bak-")
	if idx == -1 {
		return "", false
	}
	return name[idx+len(".bak-"):], true
}
