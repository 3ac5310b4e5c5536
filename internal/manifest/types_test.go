// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDigest(b byte) string {
	return strings.Repeat(string(rune('a'+b%6)), 64)
}

func TestChangeRecordValidateRenameRequiresFromPath(t *testing.T) {
	c := ChangeRecord{Path: "b.txt", Op: OpRenamed}
	require.Error(t, c.Validate())

	c.FromPath = "a.txt"
	require.NoError(t, c.Validate())
}

func TestChangeRecordValidateNonRenameRejectsFromPath(t *testing.T) {
	c := ChangeRecord{Path: "a.txt", Op: OpModified, FromPath: "b.txt"}
	require.Error(t, c.Validate())
}

func TestChangeRecordValidateCreatedRejectsDigestBefore(t *testing.T) {
	c := ChangeRecord{Path: "a.txt", Op: OpCreated, DigestBefore: validDigest(0)}
	require.Error(t, c.Validate())
}

func TestChangeRecordValidateDeletedRejectsDigestAfter(t *testing.T) {
	c := ChangeRecord{Path: "a.txt", Op: OpDeleted, DigestAfter: validDigest(0)}
	require.Error(t, c.Validate())
}

func TestChangeRecordValidateRejectsMalformedHash(t *testing.T) {
	c := ChangeRecord{Path: "a.txt", Op: OpModified, DigestBefore: "not-hex"}
	err := c.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestSessionManifestValidateEndedBeforeStarted(t *testing.T) {
	m := &SessionManifest{SessionID: "s1", StartedAt: 1000, EndedAt: 500}
	require.Error(t, m.Validate())
}

func TestSessionManifestValidatePropagatesChangeErrors(t *testing.T) {
	m := &SessionManifest{
		SessionID: "s1", StartedAt: 0, EndedAt: 1,
		Changes: []ChangeRecord{{Path: "", Op: OpModified}},
	}
	require.Error(t, m.Validate())
}

func TestSessionManifestSummary(t *testing.T) {
	m := &SessionManifest{
		SessionID: "s1", WorkspaceKey: "ws", StartedAt: 10, EndedAt: 20,
		Name: "Updated main.go", Tags: []string{"short-session"},
		Triggers: []Trigger{TriggerManual},
		Changes:  []ChangeRecord{{Path: "main.go", Op: OpModified}},
	}
	summary := m.Summary()
	assert.Equal(t, "s1", summary.SessionID)
	assert.Equal(t, 1, summary.ChangeCount)
	assert.Equal(t, []Trigger{TriggerManual}, summary.Triggers)
}

func TestEpochMillisRoundTrips(t *testing.T) {
	ms := EpochMillis(time.UnixMilli(1700000000123))
	assert.Equal(t, int64(1700000000123), ms)
}
