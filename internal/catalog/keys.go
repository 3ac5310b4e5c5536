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

import "fmt"

// Key layout. Badger is a flat KV store; the "tables" spec.md §4.2
// describes are modeled as key-prefixed keyspaces, with secondary
// indexes maintained as extra keys pointing back at the primary record.
const (
	prefixSession      = "sess/"         // sess/<sessionId> -> Session (manifest + metadata)
	prefixSessionIndex = "idx/sess/"     // idx/sess/<workspaceKey>/<startedAt-padded>/<sessionId> -> sessionId
	prefixBlob         = "blob/"         // blob/<digest> -> BlobMeta
	prefixBlobZeroRef  = "idx/ref0/"     // idx/ref0/<digest> -> "" (present iff refCount == 0)
	prefixJournal      = "jrn/"          // jrn/<status>/<sessionId> -> JournalRecord
	keyWriterLock      = "writer_lock/1" // single row, spec.md §4.2
)

func keySession(sessionID string) string {
	return prefixSession + sessionID
}

func keySessionIndex(workspaceKey string, startedAt int64, sessionID string) string {
	// Zero-padded so lexicographic byte order matches numeric order,
	// giving a cheap (workspaceKey, startedAt DESC) range scan.
	return fmt.Sprintf("%s%s/%019d/%s", prefixSessionIndex, workspaceKey, startedAt, sessionID)
}

func keyBlob(digest string) string {
	return prefixBlob + digest
}

func keyBlobZeroRef(digest string) string {
	return prefixBlobZeroRef + digest
}

func keyJournal(status, sessionID string) string {
	return prefixJournal + status + "/" + sessionID
}
