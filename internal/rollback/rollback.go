// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollback implements the crash-safe rollback engine from
// spec.md §4.4: compute a session's inverse change list, stage the
// restored content, write a write-ahead journal, then swap files into
// place one at a time so a crash at any point leaves the workspace
// recoverable by internal/recovery.
//
// Grounded on cmd/aleutian/backup.go's BackupManager (rename-aside,
// restore, age-based cleanup — the same backup-then-swap shape as
// spec.md §4.4's per-file protocol) and
// services/code_buddy/transaction/preflight.go's structured
// Error/Warning/Result aggregation, reused here for Result's
// FilesReverted/FilesSkipped/Errors triad.
package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/snapback/internal/blobstore"
	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/fsatomic"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/metrics"
)

// maxConcurrentFetches bounds the errgroup fan-out during staging, so
// a large session doesn't open hundreds of blob files at once.
const maxConcurrentFetches = 8

// ProgressEvent is delivered to Options.OnProgress as rollback moves
// through its phases.
type ProgressEvent struct {
	Phase string // "staging" or "swapping"
	Path  string
}

// Options controls a single rollback invocation (spec.md §4.4).
type Options struct {
	DryRun           bool
	SkipVerification bool
	OnProgress       func(ProgressEvent)
}

// Result is the outcome of a rollback attempt. A rollback is
// best-effort: partial success is reported via FilesSkipped rather
// than failing the whole call (spec.md §7).
type Result struct {
	Success       bool
	FilesReverted []string
	FilesSkipped  []string
	Errors        []error
	// DryRunPaths holds the paths that would be affected, populated
	// only when Options.DryRun is set.
	DryRunPaths []string
}

// Engine ties the rollback algorithm to its collaborators. It is a
// short-lived helper, not a long-owned component (spec.md §9: "rollback
// engine is a short-lived function of (manifest, blobStore,
// workspaceRoot)").
type Engine struct {
	cat     *catalog.Catalog
	blobs   *blobstore.Store
	clock   clock.Clock
	metrics *metrics.Registry
	logger  *logging.Logger
}

// New constructs an Engine over the given catalog and blob store.
func New(cat *catalog.Catalog, blobs *blobstore.Store, clk clock.Clock, reg *metrics.Registry, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{cat: cat, blobs: blobs, clock: clk, metrics: reg, logger: logger.With("component", "rollback")}
}

// Rollback reverts m against workspaceRoot per spec.md §4.4's
// algorithm.
func (e *Engine) Rollback(ctx context.Context, m *manifest.SessionManifest, workspaceRoot string, opts Options) (Result, error) {
	if e.metrics != nil {
		e.metrics.RollbackAttempts.Inc()
	}

	inverse := computeInverse(m.Changes)

	stagingDir := stagingDirFor(workspaceRoot, m.SessionID)
	if err := fsatomic.EnsureDir(stagingDir); err != nil {
		return Result{}, fmt.Errorf("rollback: create staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	journal := catalog.JournalRecord{
		SessionID:     m.SessionID,
		WorkspaceRoot: workspaceRoot,
		CreatedAt:     e.clock.Now(),
		Changes:       inverse,
		Status:        catalog.JournalPending,
	}
	if !opts.DryRun {
		if err := e.cat.PutJournal(ctx, journal); err != nil {
			return Result{}, fmt.Errorf("rollback: write pending journal: %w", err)
		}
	}

	staged, toDelete, err := e.stage(ctx, inverse, stagingDir, opts)
	if err != nil {
		if !opts.DryRun {
			_ = e.cat.DeleteJournal(ctx, catalog.JournalPending, m.SessionID)
		}
		return Result{}, fmt.Errorf("rollback: staging failed: %w", err)
	}

	if !opts.SkipVerification {
		if err := verifyStaged(staged); err != nil {
			// No filesystem mutation outside staging has occurred yet;
			// mark the journal rolled-back and drop it immediately
			// rather than leaving it for recovery to interpret.
			if !opts.DryRun {
				_ = e.cat.MoveJournalStatus(ctx, m.SessionID, catalog.JournalPending, catalog.JournalRolledBack)
				_ = e.cat.DeleteJournal(ctx, catalog.JournalRolledBack, m.SessionID)
			}
			return Result{}, fmt.Errorf("rollback: %w", err)
		}
	}

	if opts.DryRun {
		var paths []string
		for _, s := range staged {
			paths = append(paths, s.relPath)
		}
		paths = append(paths, toDelete...)
		return Result{Success: true, DryRunPaths: paths}, nil
	}

	result := e.swap(ctx, m.SessionID, workspaceRoot, staged, toDelete, opts)

	if err := e.cat.MoveJournalStatus(ctx, m.SessionID, catalog.JournalPending, catalog.JournalCommitted); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("rollback: commit journal: %w", err))
		result.Success = false
		return result, nil
	}

	rec, err := e.cat.GetJournal(ctx, catalog.JournalCommitted, m.SessionID)
	if err == nil {
		for _, b := range rec.Backups {
			_ = os.Remove(b.BackupPath)
		}
	}

	if e.metrics != nil {
		e.metrics.FilesReverted.Add(float64(len(result.FilesReverted)))
		e.metrics.FilesSkipped.Add(float64(len(result.FilesSkipped)))
	}
	result.Success = len(result.FilesSkipped) == 0
	return result, nil
}

type stagedFile struct {
	relPath  string
	fullPath string
	digest   string
	mode     *uint32
	mtimeMs  *int64
}

// computeInverse reverses m's change list and swaps each record's
// before/after fields per spec.md §4.4 step 2.
func computeInverse(changes []manifest.ChangeRecord) []manifest.ChangeRecord {
	inverse := make([]manifest.ChangeRecord, len(changes))
	for i, c := range changes {
		inverse[len(changes)-1-i] = invert(c)
	}
	return inverse
}

func invert(c manifest.ChangeRecord) manifest.ChangeRecord {
	switch c.Op {
	case manifest.OpCreated:
		return manifest.ChangeRecord{Path: c.Path, Op: manifest.OpDeleted, DigestBefore: c.DigestAfter, SizeBefore: c.SizeAfter}
	case manifest.OpDeleted:
		return manifest.ChangeRecord{
			Path: c.Path, Op: manifest.OpCreated,
			DigestAfter: c.DigestBefore, SizeAfter: c.SizeBefore,
			ModeAfter: c.ModeBefore, MtimeAfter: c.MtimeBefore, EOLAfter: c.EOLBefore,
		}
	case manifest.OpRenamed:
		return manifest.ChangeRecord{
			Path: c.FromPath, Op: manifest.OpRenamed, FromPath: c.Path,
			DigestBefore: c.DigestAfter, DigestAfter: c.DigestBefore,
			SizeBefore: c.SizeAfter, SizeAfter: c.SizeBefore,
		}
	default: // modified
		return manifest.ChangeRecord{
			Path: c.Path, Op: manifest.OpModified,
			DigestBefore: c.DigestAfter, DigestAfter: c.DigestBefore,
			SizeBefore: c.SizeAfter, SizeAfter: c.SizeBefore,
			MtimeBefore: c.MtimeAfter, MtimeAfter: c.MtimeBefore,
			ModeBefore: c.ModeAfter, ModeAfter: c.ModeBefore,
			EOLBefore: c.EOLAfter, EOLAfter: c.EOLBefore,
		}
	}
}

func stagingDirFor(workspaceRoot, sessionID string) string {
	return filepath.Join(filepath.Dir(workspaceRoot), ".sb-staging-"+sessionID)
}

// stage fetches every inverse change's restored blob into stagingDir
// concurrently (bounded by maxConcurrentFetches), and separates
// inverse-deleted paths into toDelete rather than staging them.
func (e *Engine) stage(ctx context.Context, inverse []manifest.ChangeRecord, stagingDir string, opts Options) ([]stagedFile, []string, error) {
	var staged []stagedFile
	var toDelete []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentFetches)

	results := make([]stagedFile, len(inverse))
	valid := make([]bool, len(inverse))

	for i, c := range inverse {
		i, c := i, c
		if c.Op == manifest.OpDeleted {
			toDelete = append(toDelete, c.Path)
			continue
		}
		if c.DigestAfter == "" {
			continue // renamed-only record with nothing to restage
		}
		valid[i] = true
		g.Go(func() error {
			data, err := e.blobs.Get(gctx, c.DigestAfter)
			if err != nil {
				return fmt.Errorf("fetch blob %s for %s: %w", c.DigestAfter, c.Path, err)
			}
			dest := filepath.Join(stagingDir, c.Path)
			if err := fsatomic.EnsureDir(filepath.Dir(dest)); err != nil {
				return err
			}
			mode := os.FileMode(0o644)
			if c.ModeAfter != nil {
				mode = os.FileMode(*c.ModeAfter)
			}
			if err := fsatomic.WriteFileAtomic(dest, data, mode); err != nil {
				return err
			}
			if c.MtimeAfter != nil {
				mtime := time.UnixMilli(*c.MtimeAfter)
				_ = os.Chtimes(dest, mtime, mtime)
			}
			if opts.OnProgress != nil {
				opts.OnProgress(ProgressEvent{Phase: "staging", Path: c.Path})
			}
			results[i] = stagedFile{relPath: c.Path, fullPath: dest, digest: c.DigestAfter, mode: c.ModeAfter, mtimeMs: c.MtimeAfter}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	for i := range inverse {
		if valid[i] {
			staged = append(staged, results[i])
		}
	}
	return staged, toDelete, nil
}

// verifyStaged recomputes SHA-256 over every staged file and compares
// it against the digest recorded during staging (spec.md §4.4 step 6).
func verifyStaged(staged []stagedFile) error {
	for _, sf := range staged {
		data, err := os.ReadFile(sf.fullPath)
		if err != nil {
			return fmt.Errorf("%w: read staged %s: %v", blobstore.ErrHashMismatch, sf.relPath, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != sf.digest {
			return fmt.Errorf("%w: staged content for %s does not match expected digest", blobstore.ErrHashMismatch, sf.relPath)
		}
	}
	return nil
}

// swap performs the per-file atomic swap phase (spec.md §4.4 step 8),
// updating the journal's backup list before each rename so a crash
// mid-swap leaves recovery enough information to finish or undo it.
func (e *Engine) swap(ctx context.Context, sessionID, workspaceRoot string, staged []stagedFile, toDelete []string, opts Options) Result {
	var result Result
	var backups []catalog.BackupPair

	swapOne := func(relPath string, applyFn func(target string) error) {
		target := filepath.Join(workspaceRoot, relPath)
		var backupPath string
		if _, err := os.Stat(target); err == nil {
			backupPath = target + ".bak-" + sessionID
			if err := fsatomic.Rename(target, backupPath); err != nil {
				result.FilesSkipped = append(result.FilesSkipped, relPath)
				result.Errors = append(result.Errors, fmt.Errorf("backup %s: %w", relPath, err))
				return
			}
			backups = append(backups, catalog.BackupPair{TargetPath: target, BackupPath: backupPath})
			if err := e.rewriteJournalBackups(ctx, sessionID, workspaceRoot, backups); err != nil {
				e.logger.Warn("rollback: rewrite journal backups failed", "err", err)
			}
		}

		if err := applyFn(target); err != nil {
			if backupPath != "" {
				_ = fsatomic.Rename(backupPath, target)
			}
			result.FilesSkipped = append(result.FilesSkipped, relPath)
			result.Errors = append(result.Errors, fmt.Errorf("swap %s: %w", relPath, err))
			return
		}
		result.FilesReverted = append(result.FilesReverted, relPath)
		if opts.OnProgress != nil {
			opts.OnProgress(ProgressEvent{Phase: "swapping", Path: relPath})
		}
	}

	for _, sf := range staged {
		sf := sf
		swapOne(sf.relPath, func(target string) error {
			if err := fsatomic.EnsureDir(filepath.Dir(target)); err != nil {
				return err
			}
			return fsatomic.Rename(sf.fullPath, target)
		})
	}
	for _, p := range toDelete {
		swapOne(p, func(target string) error {
			return nil // deletion is realized by the rename-aside above
		})
	}

	return result
}

func (e *Engine) rewriteJournalBackups(ctx context.Context, sessionID, workspaceRoot string, backups []catalog.BackupPair) error {
	rec, err := e.cat.GetJournal(ctx, catalog.JournalPending, sessionID)
	if err != nil {
		return err
	}
	rec.Backups = backups
	return e.cat.PutJournal(ctx, rec)
}
