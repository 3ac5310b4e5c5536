// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapback/internal/config"
	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/rollback"
	"github.com/AleutianAI/snapback/internal/session"
	"github.com/AleutianAI/snapback/internal/tagger"
	"github.com/AleutianAI/snapback/internal/testsupport"
)

func newManager(h *testsupport.Harness, override func(*config.Config)) *session.Manager {
	cfg := config.Default()
	cfg.IdleMs = 1000
	cfg.MinSessionDurationMs = 500
	cfg.MaxSessionDurationMs = 3_600_000
	if override != nil {
		override(&cfg)
	}
	engine := rollback.New(h.Catalog, h.Blobs, h.Clock, h.Metrics, nil)
	return session.New(session.Config{
		WorkspaceRoot: h.WorkspaceRoot,
		WorkspaceKey:  "ws",
		Catalog:       h.Catalog,
		Blobs:         h.Blobs,
		Dedupe:        h.Dedupe,
		Rollback:      engine,
		Clock:         h.Clock,
		EngineConfig:  cfg,
		Thresholds:    tagger.DefaultThresholds(),
		Metrics:       h.Metrics,
	})
}

func waitForCondition(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartTrackFinalizePersistsManifest(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)

	path := h.WriteFile("main.go", "package main\n")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpCreated, manifest.ChangeRecord{}))

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, sessionID, result.SessionID)
	assert.Equal(t, 1, result.ChangeCount)
	assert.False(t, result.Deduped)

	mf, err := mgr.GetManifest(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "Updated main", mf.Name)
	assert.Empty(t, mf.Changes[0].DigestBefore, "a created file must carry no digestBefore")
	assert.NotEmpty(t, mf.Changes[0].DigestAfter)
}

func TestTrackOverwritesSamePathInPlace(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	_, err := mgr.Start(ctx)
	require.NoError(t, err)

	path := h.WriteFile("a.txt", "v1")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpModified, manifest.ChangeRecord{}))
	require.NoError(t, mgr.Track(ctx, path, manifest.OpModified, manifest.ChangeRecord{}))

	info := mgr.Current()
	assert.Equal(t, 1, info.ChangeCount)
}

func TestTrackCapturesDigestBeforeOnModifiedPath(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	path := h.WriteFile("mod.txt", "before content")
	_, err := mgr.Start(ctx)
	require.NoError(t, err)

	require.NoError(t, mgr.Track(ctx, path, manifest.OpModified, manifest.ChangeRecord{}))
	h.WriteFile("mod.txt", "after content")

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)

	mf, err := mgr.GetManifest(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, mf.Changes, 1)
	assert.NotEmpty(t, mf.Changes[0].DigestBefore)
	assert.NotEmpty(t, mf.Changes[0].DigestAfter)
	assert.NotEqual(t, mf.Changes[0].DigestBefore, mf.Changes[0].DigestAfter)
}

// spec.md §4.3: the min-session-duration guard fires "at an idle
// event" only; it does not apply to manual/blur/task/pre-commit/
// max-duration finalizes.
func TestFinalizeDiscardsEmptyShortSessionOnIdleOnly(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, func(c *config.Config) { c.MinSessionDurationMs = 10_000 })
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerIdleFinalize})
	require.NoError(t, err)
	assert.Equal(t, sessionID, result.SessionID)
	assert.Equal(t, 0, result.ChangeCount)

	_, err = mgr.GetManifest(ctx, sessionID)
	assert.Error(t, err)
}

// A discarded idle finalize leaves the session active, per spec.md
// §4.3 ("timers are simply reset"), not torn down.
func TestFinalizeIdleDiscardKeepsSessionActive(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, func(c *config.Config) { c.MinSessionDurationMs = 10_000 })
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerIdleFinalize})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChangeCount)

	current := mgr.Current()
	assert.True(t, current.Active)
	assert.Equal(t, sessionID, current.SessionID)

	path := h.WriteFile("after-discard.txt", "content")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpCreated, manifest.ChangeRecord{}))

	final, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, sessionID, final.SessionID)
	assert.Equal(t, 1, final.ChangeCount)
}

// Non-idle finalizes (manual here) persist even an empty, young
// session — only idle discards it.
func TestFinalizeManualPersistsEmptyShortSession(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, func(c *config.Config) { c.MinSessionDurationMs = 10_000 })
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, sessionID, result.SessionID)
	assert.Equal(t, 0, result.ChangeCount)

	mf, err := mgr.GetManifest(ctx, sessionID)
	require.NoError(t, err)
	assert.Contains(t, mf.Triggers, manifest.TriggerManual)
}

func TestFinalizeWithoutActiveSessionReturnsErr(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	_, err := mgr.Finalize(context.Background(), nil)
	assert.ErrorIs(t, err, session.ErrNoActiveSession)
}

func TestStartFinalizesPriorActiveSessionFirst(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	first, err := mgr.Start(ctx)
	require.NoError(t, err)
	path := h.WriteFile("a.txt", "content")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpCreated, manifest.ChangeRecord{}))

	second, err := mgr.Start(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	mf, err := mgr.GetManifest(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, mf.ChangeCount())
}

func TestIdleTimeoutAutoFinalizes(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, func(c *config.Config) {
		c.IdleMs = 1000
		c.MinSessionDurationMs = 0
	})
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)
	path := h.WriteFile("idle.txt", "content")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpCreated, manifest.ChangeRecord{}))

	h.Clock.Advance(2 * time.Second)

	waitForCondition(t, func() bool { return !mgr.Current().Active })

	mf, err := mgr.GetManifest(ctx, sessionID)
	require.NoError(t, err)
	assert.Contains(t, mf.Triggers, manifest.TriggerIdleFinalize)
}

func TestMaxDurationAutoFinalizes(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, func(c *config.Config) {
		c.IdleMs = 3_600_000
		c.MaxSessionDurationMs = 1000
		c.MinSessionDurationMs = 0
	})
	ctx := context.Background()

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)
	path := h.WriteFile("long.txt", "content")
	require.NoError(t, mgr.Track(ctx, path, manifest.OpCreated, manifest.ChangeRecord{}))

	h.Clock.Advance(2 * time.Second)

	waitForCondition(t, func() bool { return !mgr.Current().Active })

	mf, err := mgr.GetManifest(ctx, sessionID)
	require.NoError(t, err)
	assert.Contains(t, mf.Triggers, manifest.TriggerMaxDuration)
}

func TestFinalizeSuppressesDuplicateSessionWithinWindow(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	var paths [5]string
	for i := range paths {
		paths[i] = h.WriteFile(fmt.Sprintf("f%d.txt", i), "identical content")
	}

	trackAllUnchanged := func() {
		for _, path := range paths {
			require.NoError(t, mgr.Track(ctx, path, manifest.OpModified, manifest.ChangeRecord{}))
		}
	}

	_, err := mgr.Start(ctx)
	require.NoError(t, err)
	trackAllUnchanged()
	r1, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)
	assert.False(t, r1.Deduped)

	_, err = mgr.Start(ctx)
	require.NoError(t, err)
	trackAllUnchanged()
	r2, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)
	assert.True(t, r2.Deduped)
	assert.Equal(t, r1.SessionID, r2.SessionID)
}

func TestRollbackRevertsAndDeletesManifest(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	path := h.WriteFile("r.txt", "original")
	_, err := mgr.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, mgr.Track(ctx, path, manifest.OpModified, manifest.ChangeRecord{}))
	h.WriteFile("r.txt", "changed")

	result, err := mgr.Finalize(ctx, []manifest.Trigger{manifest.TriggerManual})
	require.NoError(t, err)

	rollResult, err := mgr.Rollback(ctx, result.SessionID, rollback.Options{})
	require.NoError(t, err)
	assert.True(t, rollResult.Success)

	_, err = mgr.GetManifest(ctx, result.SessionID)
	assert.Error(t, err)
}

func TestCurrentReflectsActiveSession(t *testing.T) {
	h := testsupport.New(t)
	mgr := newManager(h, nil)
	ctx := context.Background()

	assert.False(t, mgr.Current().Active)

	sessionID, err := mgr.Start(ctx)
	require.NoError(t, err)
	info := mgr.Current()
	assert.True(t, info.Active)
	assert.Equal(t, sessionID, info.SessionID)
}
