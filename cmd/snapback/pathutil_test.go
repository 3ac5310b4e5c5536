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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/snapback/internal/manifest"
)

func TestAbsPathUnderKeepsAbsoluteAsIs(t *testing.T) {
	assert.Equal(t, "/foo/bar", absPathUnder("/root", "/foo/bar"))
}

func TestAbsPathUnderResolvesRelativeToCwd(t *testing.T) {
	got := absPathUnder("/root", "baz.txt")
	assert.True(t, filepath.IsAbs(got))
}

func TestUpsertChangeOverwritesByPath(t *testing.T) {
	st := &activeSessionState{}
	st.upsertChange(manifest.ChangeRecord{Path: "a.txt", Op: manifest.OpCreated, DigestAfter: "d1"})
	st.upsertChange(manifest.ChangeRecord{Path: "b.txt", Op: manifest.OpCreated, DigestAfter: "d2"})
	st.upsertChange(manifest.ChangeRecord{Path: "a.txt", Op: manifest.OpModified, DigestAfter: "d3"})

	assert.Len(t, st.Changes, 2)
	for _, c := range st.Changes {
		if c.Path == "a.txt" {
			assert.Equal(t, manifest.OpModified, c.Op)
			assert.Equal(t, "d3", c.DigestAfter)
		}
	}
}

func TestAppendTriggerDedupes(t *testing.T) {
	triggers := appendTrigger(nil, manifest.TriggerFilewatch)
	triggers = appendTrigger(triggers, manifest.TriggerFilewatch)
	triggers = appendTrigger(triggers, manifest.TriggerManual)

	assert.Equal(t, []manifest.Trigger{manifest.TriggerFilewatch, manifest.TriggerManual}, triggers)
}
