// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session is the lifecycle manager from spec.md §4.3: it
// buffers file-change events into an active session, detects session
// boundaries (idle timeout, max-duration watchdog, and explicit
// triggers), and on finalize computes deferred content digests and
// persists a manifest through the index catalog.
//
// # Architecture
//
// Grounded on services/code_buddy/history/store.go's two-tier
// hot-buffer shape (a mutex-guarded in-memory structure with an
// explicit Flush boundary) and services/trace/lock/manager.go's
// timer/goroutine discipline for arming, resetting, and cancelling a
// background watchdog. Idle and max-duration detection are driven
// through internal/clock so tests can advance time deterministically
// instead of sleeping.
package session

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/snapback/internal/blobstore"
	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/config"
	"github.com/AleutianAI/snapback/internal/dedup"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/metrics"
	"github.com/AleutianAI/snapback/internal/pathsafe"
	"github.com/AleutianAI/snapback/internal/rollback"
	"github.com/AleutianAI/snapback/internal/tagger"
)

// ErrNoActiveSession is returned by operations that require an active
// session when none exists.
var ErrNoActiveSession = fmt.Errorf("session: no active session")

// ErrSessionNotFound is returned by GetManifest for an unknown sessionId.
var ErrSessionNotFound = catalog.ErrNotFound

// CurrentInfo is the public view returned by Current.
type CurrentInfo struct {
	SessionID   string
	ChangeCount int
	Active      bool
}

// FinalizeResult is the return value of Finalize.
type FinalizeResult struct {
	SessionID   string
	ChangeCount int
	Deduped     bool // true if this session was suppressed by the deduplicator
}

// Manager owns the active session buffer and all finalize/rollback
// plumbing. One Manager exists per open workspace.
type Manager struct {
	mu sync.Mutex

	workspaceRoot string
	workspaceKey  string

	cat    *catalog.Catalog
	blobs  *blobstore.Store
	dedupe *dedup.Deduplicator
	rb     *rollback.Engine
	clk    clock.Clock
	cfg    config.Config
	thresh tagger.Thresholds
	reg    *metrics.Registry
	logger *logging.Logger

	active *activeSession

	idleTimer clock.Timer
	maxTimer  clock.Timer
	stopped   bool
}

// activeSession is the in-memory buffer for the session currently being recorded.
type activeSession struct {
	sessionID string
	startedAt time.Time
	triggers  map[manifest.Trigger]bool
	changes   []manifest.ChangeRecord
	// byPath maps a normalized path to its index in changes, so a
	// repeated event for the same path overwrites in place rather than
	// appending a second ChangeRecord (spec.md I4: "the last event for
	// a path determines its terminal state").
	byPath map[string]int
	// shadowed records which paths have already had their
	// pre-session content snapshotted into the BlobStore (spec.md
	// §4.3.1's deferred digestBefore capture).
	shadowed map[string]bool
}

// Config bundles a Manager's collaborators and tuning.
type Config struct {
	WorkspaceRoot string
	WorkspaceKey  string
	Catalog       *catalog.Catalog
	Blobs         *blobstore.Store
	Dedupe        *dedup.Deduplicator
	Rollback      *rollback.Engine
	Clock         clock.Clock
	EngineConfig  config.Config
	Thresholds    tagger.Thresholds
	Metrics       *metrics.Registry
	Logger        *logging.Logger
}

// New constructs a Manager. No session is active until Start is called.
func New(c Config) *Manager {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return &Manager{
		workspaceRoot: c.WorkspaceRoot,
		workspaceKey:  c.WorkspaceKey,
		cat:           c.Catalog,
		blobs:         c.Blobs,
		dedupe:        c.Dedupe,
		rb:            c.Rollback,
		clk:           c.Clock,
		cfg:           c.EngineConfig,
		thresh:        c.Thresholds,
		reg:           c.Metrics,
		logger:        c.Logger.With("component", "session"),
	}
}

// Start begins a new session, finalizing any currently active one
// first (spec.md §4.3: "If a session is active, it is finalized
// first [with] triggers includ[ing] manual").
func (m *Manager) Start(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if _, err := m.finalizeLocked(ctx, []manifest.Trigger{manifest.TriggerManual}); err != nil {
			m.logger.Warn("start: finalize of prior session failed", "err", err)
		}
	}

	id := uuid.NewString()
	now := m.clk.Now()
	m.active = &activeSession{
		sessionID: id,
		startedAt: now,
		triggers:  make(map[manifest.Trigger]bool),
		byPath:    make(map[string]int),
		shadowed:  make(map[string]bool),
	}
	m.armTimersLocked()
	m.logger.Info("session started", "session_id", id)
	return id, nil
}

// Track records a single file-change event against the active
// session (spec.md §4.3's track() op). It is a no-op if no session is
// active, or if absolutePath matches the configured ignore patterns.
func (m *Manager) Track(ctx context.Context, absolutePath string, op manifest.ChangeOp, meta manifest.ChangeRecord) error {
	start := m.clk.Now()
	defer func() {
		elapsed := m.clk.Now().Sub(start)
		if m.reg != nil {
			m.reg.TrackLatencySec.Observe(elapsed.Seconds())
		}
		if elapsed > 10*time.Millisecond {
			m.logger.Warn("track: slow call", "path", absolutePath, "elapsed", elapsed)
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}

	rel, err := pathsafe.Normalize(m.workspaceRoot, absolutePath)
	if err != nil {
		return nil // invalid/unsafe path; silently ignored per spec.md §4.3
	}
	if pathsafe.MatchesAny(rel, m.cfg.IgnorePatterns) {
		return nil
	}

	var preDigest string
	var preSize *int64
	if !m.active.shadowed[rel] {
		m.active.shadowed[rel] = true
		preDigest, preSize = m.shadowPath(ctx, rel)
	}

	rec := manifest.ChangeRecord{
		Path:        rel,
		Op:          op,
		FromPath:    meta.FromPath,
		SizeBefore:  meta.SizeBefore,
		MtimeBefore: meta.MtimeBefore,
		ModeBefore:  meta.ModeBefore,
		EOLBefore:   meta.EOLBefore,
	}
	if op == manifest.OpRenamed && meta.FromPath != "" {
		if fromRel, err := pathsafe.ValidateRelative(meta.FromPath); err == nil {
			rec.FromPath = fromRel
		}
	}
	if preDigest != "" && rec.DigestBefore == "" && op != manifest.OpCreated {
		rec.DigestBefore = preDigest
		rec.SizeBefore = preSize
	}

	if idx, ok := m.active.byPath[rel]; ok {
		if prev := m.active.changes[idx]; rec.DigestBefore == "" && prev.DigestBefore != "" && op != manifest.OpCreated {
			rec.DigestBefore = prev.DigestBefore
			rec.SizeBefore = prev.SizeBefore
		}
		m.active.changes[idx] = rec
	} else {
		m.active.byPath[rel] = len(m.active.changes)
		m.active.changes = append(m.active.changes, rec)
	}

	m.resetIdleTimerLocked()

	if len(m.active.changes) >= m.cfg.FlushBatchSize {
		m.logger.Debug("track: buffer reached flush batch size", "session_id", m.active.sessionID, "count", len(m.active.changes))
	}
	return nil
}

// shadowPath snapshots the pre-session content of rel into the
// BlobStore once, so digestBefore remains recoverable at finalize even
// if the file is rewritten or deleted before then (spec.md §4.3.1). It
// must be called before rel's first ChangeRecord is inserted into the
// active buffer, since it reports the digest/size rather than writing
// them in place (nothing to write into yet on a path's first event).
func (m *Manager) shadowPath(ctx context.Context, rel string) (digest string, size *int64) {
	full := pathsafe.Join(m.workspaceRoot, rel)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", nil // file did not exist pre-session; created changes have no digestBefore
	}
	d, err := m.blobs.Put(ctx, data)
	if err != nil {
		m.logger.Warn("track: shadow snapshot failed", "path", rel, "err", err)
		return "", nil
	}
	n := int64(len(data))
	return d, &n
}

// Finalize ends the active session with the given additional triggers,
// computing deferred digests and persisting the manifest (spec.md
// §4.3). Returns ErrNoActiveSession if nothing is active.
func (m *Manager) Finalize(ctx context.Context, reasons []manifest.Trigger) (FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finalizeLocked(ctx, reasons)
}

func (m *Manager) finalizeLocked(ctx context.Context, reasons []manifest.Trigger) (FinalizeResult, error) {
	if m.active == nil {
		return FinalizeResult{}, ErrNoActiveSession
	}
	active := m.active
	now := m.clk.Now()

	// spec.md §4.3: the min-session-duration guard applies only "at an
	// idle event" — a session finalized for any other reason (manual,
	// blur, pre-commit, task, max-duration) is finalized and persisted
	// even if it's empty and young. On an idle discard, the session
	// survives: timers are simply reset, not torn down.
	isIdleOnly := len(reasons) == 1 && reasons[0] == manifest.TriggerIdleFinalize
	if isIdleOnly && len(active.changes) == 0 && now.Sub(active.startedAt) < m.cfg.MinSessionDuration() {
		m.logger.Debug("finalize: discarding empty short session", "session_id", active.sessionID)
		// The idle timer already fired and its watchIdle goroutine has
		// returned, so resetting it needs a fresh watcher to observe the
		// next fire; the max-duration watchdog is untouched and keeps
		// counting from the original startedAt.
		m.resetIdleTimerLocked()
		if m.idleTimer != nil {
			go m.watchIdle(m.idleTimer, active.sessionID)
		}
		return FinalizeResult{SessionID: active.sessionID, ChangeCount: 0}, nil
	}

	m.cancelTimersLocked()
	m.active = nil

	for _, r := range reasons {
		active.triggers[r] = true
	}

	if err := m.computeDeferredDigests(ctx, active); err != nil {
		return FinalizeResult{}, fmt.Errorf("session: deferred digest computation: %w", err)
	}

	triggers := make([]manifest.Trigger, 0, len(active.triggers))
	for t := range active.triggers {
		triggers = append(triggers, t)
	}

	mf := &manifest.SessionManifest{
		Schema:       manifest.SchemaV1,
		SessionID:    active.sessionID,
		WorkspaceKey: m.workspaceKey,
		StartedAt:    manifest.EpochMillis(active.startedAt),
		EndedAt:      manifest.EpochMillis(now),
		Triggers:     triggers,
		Changes:      active.changes,
	}

	fp := dedup.Fingerprint(mf.Changes)
	if existingID, suppress := m.dedupe.Check(fp, len(mf.Changes)); suppress {
		if m.reg != nil {
			m.reg.SessionsDeduped.Inc()
		}
		m.logger.Info("finalize: suppressed by deduplicator", "session_id", mf.SessionID, "matches", existingID)
		if err := m.decRefAll(ctx, mf.Changes); err != nil {
			m.logger.Warn("finalize: decref after dedup suppression failed", "err", err)
		}
		return FinalizeResult{SessionID: existingID, ChangeCount: len(mf.Changes), Deduped: true}, nil
	}

	burst := &tagger.BurstMetrics{AddedLines: m.sumAddedLines(ctx, mf.Changes)}
	shortWindow := time.Duration(m.thresh.ShortSessionMs) * time.Millisecond
	burst.IsBurst = burst.AddedLines > m.thresh.LargeEditLines && now.Sub(active.startedAt) < shortWindow
	mf.Name = tagger.Name(mf)
	mf.Tags = tagger.Tags(mf, m.thresh, burst)

	if err := mf.Validate(); err != nil {
		return FinalizeResult{}, fmt.Errorf("session: invalid manifest: %w", err)
	}
	if err := m.cat.PutSession(ctx, mf); err != nil {
		return FinalizeResult{}, fmt.Errorf("session: persist manifest: %w", err)
	}
	if err := m.incRefAll(ctx, mf.Changes); err != nil {
		m.logger.Warn("finalize: incref failed", "session_id", mf.SessionID, "err", err)
	}
	m.dedupe.Record(fp, mf.SessionID)

	if m.reg != nil {
		m.reg.SessionsFinalized.Inc()
	}
	m.logger.Info("session finalized", "session_id", mf.SessionID, "name", mf.Name, "change_count", len(mf.Changes), "tags", mf.Tags)

	return FinalizeResult{SessionID: mf.SessionID, ChangeCount: len(mf.Changes)}, nil
}

// computeDeferredDigests fills in digestAfter (and sizeAfter) for every
// change missing it, per spec.md §4.3.1. Deleted changes are skipped;
// they carry no digestAfter by construction.
func (m *Manager) computeDeferredDigests(ctx context.Context, active *activeSession) error {
	for i := range active.changes {
		c := &active.changes[i]
		if c.HasDigestAfter() || c.Op == manifest.OpDeleted {
			continue
		}
		full := pathsafe.Join(m.workspaceRoot, c.Path)
		data, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				continue // file vanished before finalize; best effort
			}
			return fmt.Errorf("read %s: %w", c.Path, err)
		}
		digest, err := m.blobs.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("put blob for %s: %w", c.Path, err)
		}
		size := int64(len(data))
		c.DigestAfter = digest
		c.SizeAfter = &size
	}
	return nil
}

// sumAddedLines feeds tagger.CountAddedLines the actual before/after
// blob content for each change (fetched back from the BlobStore, where
// computeDeferredDigests has just put it), rather than approximating
// line counts from byte sizes.
func (m *Manager) sumAddedLines(ctx context.Context, changes []manifest.ChangeRecord) int {
	total := 0
	for _, c := range changes {
		if c.DigestAfter == "" {
			continue // deleted: nothing added
		}
		newContent, err := m.blobs.Get(ctx, c.DigestAfter)
		if err != nil {
			m.logger.Warn("tagger: fetch digestAfter failed, skipping added-line count", "path", c.Path, "err", err)
			continue
		}
		var oldContent []byte
		if c.DigestBefore != "" {
			oldContent, err = m.blobs.Get(ctx, c.DigestBefore)
			if err != nil {
				m.logger.Warn("tagger: fetch digestBefore failed, treating as empty", "path", c.Path, "err", err)
			}
		}
		added, err := tagger.CountAddedLines(c.Path, string(oldContent), string(newContent))
		if err != nil {
			m.logger.Warn("tagger: count added lines failed", "path", c.Path, "err", err)
			continue
		}
		total += added
	}
	return total
}

func (m *Manager) incRefAll(ctx context.Context, changes []manifest.ChangeRecord) error {
	var firstErr error
	for _, c := range changes {
		for _, d := range []string{c.DigestBefore, c.DigestAfter} {
			if d == "" {
				continue
			}
			if err := m.blobs.IncRef(ctx, d, 1); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) decRefAll(ctx context.Context, changes []manifest.ChangeRecord) error {
	var firstErr error
	for _, c := range changes {
		for _, d := range []string{c.DigestBefore, c.DigestAfter} {
			if d == "" {
				continue
			}
			if err := m.blobs.DecRef(ctx, d, 1); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Current reports the active session, if any.
func (m *Manager) Current() CurrentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return CurrentInfo{}
	}
	return CurrentInfo{SessionID: m.active.sessionID, ChangeCount: len(m.active.changes), Active: true}
}

// List returns up to limit session summaries for the manager's workspace.
func (m *Manager) List(ctx context.Context, limit int) ([]manifest.SessionSummary, error) {
	return m.cat.ListSessions(ctx, m.workspaceKey, limit)
}

// GetManifest fetches a persisted session manifest by id.
func (m *Manager) GetManifest(ctx context.Context, sessionID string) (*manifest.SessionManifest, error) {
	return m.cat.GetSession(ctx, sessionID)
}

// Rollback reverts sessionID via the rollback engine, then decrements
// the blob refcounts the reverted manifest held (spec.md §4.6: "On
// manifest deletion: decRef likewise") and removes the manifest.
func (m *Manager) Rollback(ctx context.Context, sessionID string, opts rollback.Options) (rollback.Result, error) {
	mf, err := m.cat.GetSession(ctx, sessionID)
	if err != nil {
		return rollback.Result{}, fmt.Errorf("session: rollback: %w", err)
	}

	result, err := m.rb.Rollback(ctx, mf, m.workspaceRoot, opts)
	if err != nil || opts.DryRun {
		return result, err
	}

	if err := m.decRefAll(ctx, mf.Changes); err != nil {
		m.logger.Warn("rollback: decref after revert failed", "session_id", sessionID, "err", err)
	}
	if err := m.cat.DeleteSession(ctx, sessionID); err != nil {
		m.logger.Warn("rollback: delete manifest failed", "session_id", sessionID, "err", err)
	}
	return result, nil
}

// onBoundary finalizes the active session for an explicit trigger
// (blur, commit, task, pre-commit). A no-op if no session is active.
func (m *Manager) onBoundary(ctx context.Context, trigger manifest.Trigger) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if _, err := m.Finalize(ctx, []manifest.Trigger{trigger}); err != nil && err != ErrNoActiveSession {
		m.logger.Warn("boundary finalize failed", "trigger", trigger, "err", err)
	}
}

// OnBlur finalizes the active session on an editor-focus-loss signal.
func (m *Manager) OnBlur(ctx context.Context) { m.onBoundary(ctx, manifest.TriggerBlur) }

// OnCommit finalizes the active session on a VCS commit signal.
func (m *Manager) OnCommit(ctx context.Context) { m.onBoundary(ctx, manifest.TriggerPreCommit) }

// OnTaskComplete finalizes the active session on a task-completion signal.
func (m *Manager) OnTaskComplete(ctx context.Context) { m.onBoundary(ctx, manifest.TriggerTask) }

// OnManual finalizes the active session on an explicit user request.
func (m *Manager) OnManual(ctx context.Context) { m.onBoundary(ctx, manifest.TriggerManual) }

// armTimersLocked starts the idle and max-duration watchdogs for the
// just-started session. Must be called with m.mu held.
func (m *Manager) armTimersLocked() {
	m.idleTimer = m.clk.NewTimer(m.cfg.IdleDuration())
	m.maxTimer = m.clk.NewTimer(m.cfg.MaxSessionDuration())
	go m.watchIdle(m.idleTimer, m.active.sessionID)
	go m.watchMaxDuration(m.maxTimer, m.active.sessionID)
}

func (m *Manager) resetIdleTimerLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Reset(m.cfg.IdleDuration())
	}
}

func (m *Manager) cancelTimersLocked() {
	if m.idleTimer != nil {
		m.idleTimer.Stop()
		m.idleTimer = nil
	}
	if m.maxTimer != nil {
		m.maxTimer.Stop()
		m.maxTimer = nil
	}
}

// watchIdle finalizes sessionID when its idle timer fires, unless it
// has since been superseded by a different active session. The
// min-session-duration guard (spec.md §4.3) discards rather than
// persists an empty, very short session.
func (m *Manager) watchIdle(t clock.Timer, sessionID string) {
	_, ok := <-t.C()
	if !ok {
		return
	}
	ctx := context.Background()
	m.mu.Lock()
	if m.active == nil || m.active.sessionID != sessionID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if _, err := m.Finalize(ctx, []manifest.Trigger{manifest.TriggerIdleFinalize}); err != nil && err != ErrNoActiveSession {
		m.logger.Warn("idle finalize failed", "session_id", sessionID, "err", err)
	}
}

// watchMaxDuration finalizes sessionID when the max-duration watchdog fires.
func (m *Manager) watchMaxDuration(t clock.Timer, sessionID string) {
	_, ok := <-t.C()
	if !ok {
		return
	}
	ctx := context.Background()
	m.mu.Lock()
	if m.active == nil || m.active.sessionID != sessionID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	if _, err := m.Finalize(ctx, []manifest.Trigger{manifest.TriggerMaxDuration}); err != nil && err != ErrNoActiveSession {
		m.logger.Warn("max-duration finalize failed", "session_id", sessionID, "err", err)
	}
}

// Close cancels any running timers. It does not finalize the active
// session; callers that want a clean shutdown should call Finalize
// first.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelTimersLocked()
	m.stopped = true
}
