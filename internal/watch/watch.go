// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch is the reference editor-integration collaborator
// spec.md §1 treats as external: it watches a workspace with fsnotify
// and feeds change events into the session lifecycle manager's
// track() entry point.
//
// Grounded on services/trace/graph/file_watcher.go (recursive
// fsnotify.Watcher setup, ignore-pattern matching, new-directory
// auto-add) adapted from "debounce then call a batch handler" to
// "forward each event to Tracker.Track immediately", since spec.md
// §4.3 already makes track() itself cheap and non-blocking —
// debouncing belongs to the session's own idle timer, not the watcher.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/pathsafe"
)

// Tracker is the subset of the session lifecycle manager's API the
// watcher depends on, kept as a narrow interface so this package never
// imports internal/session.
type Tracker interface {
	Track(ctx context.Context, absolutePath string, op manifest.ChangeOp, meta manifest.ChangeRecord) error
}

// Watcher recursively watches a workspace root and forwards every
// non-ignored filesystem event to a Tracker.
type Watcher struct {
	root          string
	tracker       Tracker
	fsw           *fsnotify.Watcher
	ignorePattern []string
	logger        *logging.Logger

	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	watching bool
}

// Options configures a Watcher.
type Options struct {
	IgnorePatterns []string
}

// New creates a Watcher rooted at root, forwarding events to tracker.
func New(root string, tracker Tracker, opts Options, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		root:          root,
		tracker:       tracker,
		fsw:           fsw,
		ignorePattern: opts.IgnorePatterns,
		logger:        logger.With("component", "watch"),
		done:          make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the initial recursive add
// completes; event processing continues in a background goroutine
// until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	go w.processEvents(ctx)
	return nil
}

// Stop halts the watcher, releasing the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr == nil && rel != "." && pathsafe.MatchesAny(filepath.ToSlash(rel), w.ignorePattern) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err == nil && pathsafe.MatchesAny(filepath.ToSlash(rel), w.ignorePattern) {
		return
	}

	op, ok := convertOp(event.Op)
	if !ok {
		return
	}

	if event.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
			return // directory creation itself is not a tracked file change
		}
	}

	if err := w.tracker.Track(ctx, event.Name, op, manifest.ChangeRecord{}); err != nil {
		w.logger.Warn("watch: track failed", "path", event.Name, "err", err)
	}
}

func convertOp(op fsnotify.Op) (manifest.ChangeOp, bool) {
	switch {
	case op.Has(fsnotify.Remove):
		return manifest.OpDeleted, true
	case op.Has(fsnotify.Create):
		return manifest.OpCreated, true
	case op.Has(fsnotify.Write):
		return manifest.OpModified, true
	case op.Has(fsnotify.Rename):
		// fsnotify reports a rename as a Remove-shaped event on the old
		// path with no paired new-path event portable across platforms;
		// the editor integration is expected to resolve true renames
		// via its own from/to knowledge and call Track with OpRenamed
		// directly. Treat the bare fsnotify signal as a deletion.
		return manifest.OpDeleted, true
	default:
		return "", false
	}
}
