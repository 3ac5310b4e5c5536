// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/snapback/internal/metrics"
)

func TestRegistryCountersIndependent(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.BlobPuts.Inc()
	a.BlobPuts.Inc()
	b.BlobPuts.Inc()

	dumpA, err := a.DumpText()
	require.NoError(t, err)
	dumpB, err := b.DumpText()
	require.NoError(t, err)

	assert.Contains(t, dumpA, "snapback_blobstore_puts_total 2")
	assert.Contains(t, dumpB, "snapback_blobstore_puts_total 1")
}

func TestDumpTextIncludesAllCollectors(t *testing.T) {
	r := metrics.New()
	r.SessionsFinalized.Inc()
	r.RollbackAttempts.Inc()
	r.FilesReverted.Add(3)
	r.TrackLatencySec.Observe(0.002)

	dump, err := r.DumpText()
	require.NoError(t, err)

	for _, name := range []string{
		"snapback_sessions_finalized_total",
		"snapback_rollback_attempts_total",
		"snapback_rollback_files_reverted_total",
		"snapback_session_track_seconds",
		"snapback_catalog_writer_lock_wait_seconds",
	} {
		assert.True(t, strings.Contains(dump, name), "expected dump to contain %s", name)
	}
}
