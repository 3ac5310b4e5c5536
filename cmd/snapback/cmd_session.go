// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapback/internal/dedup"
	"github.com/AleutianAI/snapback/internal/manifest"
	"github.com/AleutianAI/snapback/internal/pathsafe"
	"github.com/AleutianAI/snapback/internal/tagger"
)

// runStart creates the workspace's active session sidecar, failing if
// one already exists. Only one session may be active per workspace at a time (spec.md §4.3
// models the lifecycle manager as owning a single in-flight buffer).
func runStart(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	existing, err := loadActiveSession(a)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "read active session", err)
	}
	if existing != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "a session is already active; finalize it first", nil)
	}

	st := &activeSessionState{
		SessionID:    newSessionID(),
		WorkspaceKey: a.workspaceKey,
		StartedAt:    manifest.EpochMillis(time.Now()),
	}
	if err := saveActiveSession(a, st); err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "write active session", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(map[string]string{"sessionId": st.SessionID})
	}
	fmt.Fprintf(os.Stdout, "started session %s\n", st.SessionID)
	return nil
}

// runTrack records a single file-change event against the active
// session. digestBefore is recovered from the most recent prior
// finalized session touching the same path (see lookupLastDigest),
// since a one-shot CLI invocation has no continuously-resident
// pre-session snapshot the way session.Manager's shadowPath does.
func runTrack(cmd *cobra.Command, args []string) error {
	path := args[0]
	op := manifest.ChangeOp(args[1])
	switch op {
	case manifest.OpCreated, manifest.OpModified, manifest.OpDeleted, manifest.OpRenamed:
	default:
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, fmt.Sprintf("unknown op %q", op), nil)
	}

	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := loadActiveSession(a)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "read active session", err)
	}
	if st == nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "no active session; run `snapback start` first", nil)
	}

	rel, err := pathsafe.Normalize(a.workspaceRoot, absPathUnder(a.workspaceRoot, path))
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "invalid path", err)
	}

	ctx := context.Background()
	rec := manifest.ChangeRecord{Path: rel, Op: op}

	if op == manifest.OpRenamed {
		if trackFrom == "" {
			lastExitCode = ExitInvalidArgs
			return cmdErr(ExitInvalidArgs, "renamed requires --from", nil)
		}
		fromRel, err := pathsafe.ValidateRelative(trackFrom)
		if err != nil {
			lastExitCode = ExitInvalidArgs
			return cmdErr(ExitInvalidArgs, "invalid --from path", err)
		}
		rec.FromPath = fromRel
		rec.DigestBefore, rec.SizeBefore = lookupLastDigest(ctx, a, fromRel)
	} else if op != manifest.OpCreated {
		rec.DigestBefore, rec.SizeBefore = lookupLastDigest(ctx, a, rel)
	}

	if op != manifest.OpDeleted {
		data, err := os.ReadFile(absPathUnder(a.workspaceRoot, path))
		if err != nil {
			lastExitCode = ExitInvalidArgs
			return cmdErr(ExitInvalidArgs, "read file", err)
		}
		digest, err := a.blobs.Put(ctx, data)
		if err != nil {
			lastExitCode = ExitIntegrityFailed
			return cmdErr(ExitIntegrityFailed, "store blob", err)
		}
		size := int64(len(data))
		rec.DigestAfter = digest
		rec.SizeAfter = &size
	}

	if err := rec.Validate(); err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "invalid change record", err)
	}

	st.upsertChange(rec)
	st.Triggers = appendTrigger(st.Triggers, manifest.TriggerFilewatch)
	if err := saveActiveSession(a, st); err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "write active session", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(rec)
	}
	fmt.Fprintf(os.Stdout, "tracked %s (%s)\n", rel, op)
	return nil
}

// runFinalize closes out the active session: discards it if empty,
// suppresses it if it duplicates the most recent finalized session
// within the configured dedup window, otherwise tags, persists, and
// ref-counts its blobs.
func runFinalize(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	st, err := loadActiveSession(a)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "read active session", err)
	}
	if st == nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "no active session to finalize", nil)
	}

	ctx := context.Background()

	if len(st.Changes) == 0 {
		if err := clearActiveSession(a); err != nil {
			lastExitCode = ExitInvalidArgs
			return cmdErr(ExitInvalidArgs, "clear active session", err)
		}
		lastExitCode = ExitSuccess
		fmt.Fprintln(os.Stdout, "empty session discarded")
		return nil
	}

	triggers := appendTrigger(st.Triggers, manifest.TriggerManual)
	mf := &manifest.SessionManifest{
		Schema:       manifest.SchemaV1,
		SessionID:    st.SessionID,
		WorkspaceKey: st.WorkspaceKey,
		StartedAt:    st.StartedAt,
		EndedAt:      manifest.EpochMillis(time.Now()),
		Triggers:     triggers,
		Changes:      st.Changes,
	}

	if dupeID, ok := checkDuplicate(ctx, a, mf); ok {
		if err := clearActiveSession(a); err != nil {
			lastExitCode = ExitInvalidArgs
			return cmdErr(ExitInvalidArgs, "clear active session", err)
		}
		lastExitCode = ExitSuccess
		if jsonOutput {
			return printJSON(map[string]any{"sessionId": dupeID, "deduped": true})
		}
		fmt.Fprintf(os.Stdout, "suppressed as duplicate of session %s\n", dupeID)
		return nil
	}

	mf.Name = tagger.Name(mf)
	mf.Tags = tagger.Tags(mf, tagger.DefaultThresholds(), nil)

	if err := mf.Validate(); err != nil {
		lastExitCode = ExitIntegrityFailed
		return cmdErr(ExitIntegrityFailed, "manifest validation failed", err)
	}
	if err := a.cat.PutSession(ctx, mf); err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "persist session", err)
	}
	for _, c := range mf.Changes {
		for _, d := range []string{c.DigestBefore, c.DigestAfter} {
			if d == "" {
				continue
			}
			if err := a.blobs.IncRef(ctx, d, 1); err != nil {
				a.logger.Warn("finalize: incref failed", "digest", d, "err", err)
			}
		}
	}
	if err := clearActiveSession(a); err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "clear active session", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(mf.Summary())
	}
	fmt.Fprintf(os.Stdout, "finalized session %s: %q (%d changes)\n", mf.SessionID, mf.Name, mf.ChangeCount())
	return nil
}

// checkDuplicate compares mf's fingerprint against the most recently
// finalized session for this workspace, since the CLI's one-shot
// process lifetime can't carry session.Manager's in-memory ristretto
// dedup cache across invocations (see DESIGN.md).
func checkDuplicate(ctx context.Context, a *app, mf *manifest.SessionManifest) (string, bool) {
	if mf.ChangeCount() < a.cfg.MinFilesForDedup {
		return "", false
	}
	prior, err := a.cat.ListSessions(ctx, a.workspaceKey, 1)
	if err != nil || len(prior) == 0 {
		return "", false
	}
	latest := prior[0]
	if time.Duration(mf.EndedAt-latest.EndedAt)*time.Millisecond > a.cfg.DedupWindow() {
		return "", false
	}
	full, err := a.cat.GetSession(ctx, latest.SessionID)
	if err != nil {
		return "", false
	}
	if dedup.Fingerprint(full.Changes) != dedup.Fingerprint(mf.Changes) {
		return "", false
	}
	return full.SessionID, true
}

// lookupLastDigest recovers the pre-change digest/size for rel from
// the most recent finalized session that touched it, scanning a bounded
// recent-session window.
func lookupLastDigest(ctx context.Context, a *app, rel string) (digest string, size *int64) {
	const scanLimit = 50
	sessions, err := a.cat.ListSessions(ctx, a.workspaceKey, scanLimit)
	if err != nil {
		return "", nil
	}
	for _, s := range sessions {
		full, err := a.cat.GetSession(ctx, s.SessionID)
		if err != nil {
			continue
		}
		for i := len(full.Changes) - 1; i >= 0; i-- {
			c := full.Changes[i]
			if pathsafe.Equal(c.Path, rel) && c.DigestAfter != "" {
				return c.DigestAfter, c.SizeAfter
			}
		}
	}
	return "", nil
}

func appendTrigger(triggers []manifest.Trigger, t manifest.Trigger) []manifest.Trigger {
	for _, existing := range triggers {
		if existing == t {
			return triggers
		}
	}
	return append(triggers, t)
}
