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
	"encoding/json"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/snapback/internal/manifest"
)

// JournalStatus is the lifecycle state of a rollback journal entry
// (spec.md §4.4: "pending" before any file has been swapped,
// "committed" once the swap phase has finished; files skipped during
// that phase are listed in the result, not held back in pending).
type JournalStatus string

const (
	JournalPending    JournalStatus = "pending"
	JournalCommitted  JournalStatus = "committed"
	JournalRolledBack JournalStatus = "rolled-back"
)

// BackupPair records where the pre-swap copy of a file was staged, so
// recovery can restore it if a crash interrupts the swap phase.
type BackupPair struct {
	TargetPath string `json:"targetPath"`
	BackupPath string `json:"backupPath"`
}

// JournalRecord is the write-ahead record for one rollback operation
// (spec.md §4.4). It is written with status=pending before any file on
// disk is touched, and rewritten with status=committed once the swap
// phase has finished (including when some files were skipped and had
// their backups restored); recovery (spec.md §4.5) uses this transition to decide
// whether to replay or discard on restart.
type JournalRecord struct {
	SessionID     string                  `json:"sessionId"`
	WorkspaceRoot string                  `json:"workspaceRoot"`
	CreatedAt     time.Time               `json:"createdAt"`
	Changes       []manifest.ChangeRecord `json:"changes"`
	Backups       []BackupPair            `json:"backups"`
	Status        JournalStatus           `json:"status"`
}

// PutJournal writes rec at its current status key. Callers move a
// journal between statuses via MoveJournalStatus, not by calling
// PutJournal twice with different Status values, to keep the old key
// from lingering.
func (c *Catalog) PutJournal(ctx context.Context, rec JournalRecord) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		return putJSON(txn, keyJournal(string(rec.Status), rec.SessionID), rec)
	})
}

// GetJournal fetches the journal for sessionID at the given status.
func (c *Catalog) GetJournal(ctx context.Context, status JournalStatus, sessionID string) (JournalRecord, error) {
	var rec JournalRecord
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, keyJournal(string(status), sessionID), &rec)
	})
	return rec, err
}

// MoveJournalStatus atomically deletes the journal's old-status key and
// writes it back under newStatus, in a single transaction so a crash
// between the delete and the put is impossible (spec.md §4.4: "the
// journal transition itself must be atomic").
func (c *Catalog) MoveJournalStatus(ctx context.Context, sessionID string, from, to JournalStatus) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		var rec JournalRecord
		if err := getJSON(txn, keyJournal(string(from), sessionID), &rec); err != nil {
			return err
		}
		if err := txn.Delete([]byte(keyJournal(string(from), sessionID))); err != nil {
			return err
		}
		rec.Status = to
		return putJSON(txn, keyJournal(string(to), sessionID), rec)
	})
}

// DeleteJournal removes a journal entirely, used once recovery or the
// rollback engine has pruned a committed journal past its retention
// window (spec.md §4.5).
func (c *Catalog) DeleteJournal(ctx context.Context, status JournalStatus, sessionID string) error {
	return c.WithTxn(ctx, func(txn *badger.Txn) error {
		err := txn.Delete([]byte(keyJournal(string(status), sessionID)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// ListJournals returns every journal currently at status, used by the
// recovery sweeper on startup to find pending journals to replay or
// discard, and committed journals past their retention window to prune.
func (c *Catalog) ListJournals(ctx context.Context, status JournalStatus) ([]JournalRecord, error) {
	var out []JournalRecord
	prefix := []byte(prefixJournal + string(status) + "/")
	err := c.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec JournalRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
