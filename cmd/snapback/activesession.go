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
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/AleutianAI/snapback/internal/manifest"
)

// activeSessionState is the durable handoff record the `start`/`track`/
// `finalize` subcommands pass to each other across process invocations.
// It mirrors session.activeSession's shape closely enough to build a
// manifest.SessionManifest at finalize time.
type activeSessionState struct {
	SessionID    string                  `json:"sessionId"`
	WorkspaceKey string                  `json:"workspaceKey"`
	StartedAt    int64                   `json:"startedAt"`
	Triggers     []manifest.Trigger      `json:"triggers"`
	Changes      []manifest.ChangeRecord `json:"changes"`
}

func loadActiveSession(a *app) (*activeSessionState, error) {
	data, err := os.ReadFile(a.activeFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st activeSessionState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse active session: %w", err)
	}
	return &st, nil
}

func saveActiveSession(a *app, st *activeSessionState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.activeFilePath(), data, 0o644)
}

func clearActiveSession(a *app) error {
	err := os.Remove(a.activeFilePath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func newSessionID() string { return uuid.NewString() }

// upsertChange overwrites st's record for rec.Path in place, matching
// session.Manager's "last event for a path wins" rule (spec.md I4).
func (st *activeSessionState) upsertChange(rec manifest.ChangeRecord) {
	for i, existing := range st.Changes {
		if existing.Path == rec.Path {
			st.Changes[i] = rec
			return
		}
	}
	st.Changes = append(st.Changes, rec)
}
