// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blobstore

import "errors"

// Errors returned by BlobStore operations (spec.md §4.1). Each is a
// sentinel distinguishable via errors.Is, matching the teacher's
// code+message error pattern (transaction.PreFlightError) generalized
// to plain sentinel errors since the BlobStore has no "details" list to
// carry.
var (
	ErrHashMismatch       = errors.New("blobstore: hash mismatch")
	ErrBlobNotFound       = errors.New("blobstore: blob not found")
	ErrStorageFull        = errors.New("blobstore: storage full")
	ErrCompressionFailed  = errors.New("blobstore: compression failed")
	ErrDecompressionFailed = errors.New("blobstore: decompression failed")
)
