// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics holds the engine's in-process counters and gauges.
//
// The registry is never served over HTTP — spec.md §1 places
// HTTP-transport clients out of scope for the core — it is dumped to
// the Prometheus text format via DumpText (CLI `stats` command, tests).
// BlobStore.Stats does not read it; its figures come from the catalog.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Registry bundles the engine's Prometheus collectors. Each caller
// creates its own Registry with New (the CLI once per invocation, the
// test harness once per test) rather than sharing a process-global one.
type Registry struct {
	reg *prometheus.Registry

	BlobPuts          prometheus.Counter
	BlobGets          prometheus.Counter
	BlobHashMismatch  prometheus.Counter
	BlobsCollected    prometheus.Counter
	SessionsFinalized prometheus.Counter
	SessionsDeduped   prometheus.Counter
	RollbackAttempts  prometheus.Counter
	FilesReverted     prometheus.Counter
	FilesSkipped      prometheus.Counter
	WriterLockWaitSec prometheus.Histogram
	TrackLatencySec   prometheus.Histogram
}

// New creates a Registry with all collectors registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		BlobPuts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_blobstore_puts_total",
			Help: "Number of BlobStore.put calls, including no-op repeats.",
		}),
		BlobGets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_blobstore_gets_total",
			Help: "Number of BlobStore.get calls.",
		}),
		BlobHashMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_blobstore_hash_mismatch_total",
			Help: "Number of integrity failures detected on get.",
		}),
		BlobsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_blobstore_gc_collected_total",
			Help: "Number of blobs physically deleted by gc().",
		}),
		SessionsFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_sessions_finalized_total",
			Help: "Number of sessions persisted by finalize().",
		}),
		SessionsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_sessions_deduped_total",
			Help: "Number of finalize() calls suppressed by the deduplicator.",
		}),
		RollbackAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_rollback_attempts_total",
			Help: "Number of rollback() invocations.",
		}),
		FilesReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_rollback_files_reverted_total",
			Help: "Cumulative count of files successfully reverted.",
		}),
		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapback_rollback_files_skipped_total",
			Help: "Cumulative count of files skipped during rollback due to per-file errors.",
		}),
		WriterLockWaitSec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapback_catalog_writer_lock_wait_seconds",
			Help:    "Time spent waiting to acquire the single-writer catalog lock.",
			Buckets: prometheus.DefBuckets,
		}),
		TrackLatencySec: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapback_session_track_seconds",
			Help:    "Latency of track() calls; should stay sub-millisecond (spec.md §5).",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}

	reg.MustRegister(
		r.BlobPuts, r.BlobGets, r.BlobHashMismatch, r.BlobsCollected,
		r.SessionsFinalized, r.SessionsDeduped,
		r.RollbackAttempts, r.FilesReverted, r.FilesSkipped,
		r.WriterLockWaitSec, r.TrackLatencySec,
	)
	return r
}

// DumpText renders the registry in the Prometheus exposition text
// format, used by the CLI `stats` command and by tests asserting on
// counter values without scraping an HTTP endpoint.
func (r *Registry) DumpText() (string, error) {
	families, err := r.reg.Gather()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return sb.String(), nil
}
