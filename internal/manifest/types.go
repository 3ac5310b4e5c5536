// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest defines the core data model from spec.md §3:
// ChangeRecord and SessionManifest, plus the ISO-8601 wire form used
// when a manifest is serialized externally. Blob metadata and journal
// records are defined in internal/catalog (BlobMeta, JournalRecord).
//
// Grounded on services/code_buddy/manifest/types.go (FileEntry/Manifest
// shape, Validate()), generalized from a single flat file manifest to
// the session/ChangeRecord model spec.md requires.
package manifest

import (
	"fmt"
	"time"
)

// ChangeOp is one of the four file-change kinds spec.md §3 defines.
type ChangeOp string

const (
	OpCreated  ChangeOp = "created"
	OpModified ChangeOp = "modified"
	OpDeleted  ChangeOp = "deleted"
	OpRenamed  ChangeOp = "renamed"
)

// EOLStyle records the line-ending convention observed for a file.
type EOLStyle string

const (
	EOLLF    EOLStyle = "lf"
	EOLCRLF  EOLStyle = "crlf"
	EOLCR    EOLStyle = "cr"
	EOLMixed EOLStyle = "mixed"
)

// Trigger is one of the boundary-detection reasons spec.md §3/§4.3 lists.
type Trigger string

const (
	TriggerFilewatch    Trigger = "filewatch"
	TriggerPreCommit    Trigger = "pre-commit"
	TriggerManual       Trigger = "manual"
	TriggerIdleFinalize Trigger = "idle-finalize"
	TriggerBlur         Trigger = "blur"
	TriggerTask         Trigger = "task"
	TriggerMaxDuration  Trigger = "max-duration"
)

// ChangeRecord describes a single file event within a session (spec.md §3).
//
// Path is POSIX-normalized relative to the workspace root (see
// internal/pathsafe). FromPath is set iff Op == OpRenamed.
type ChangeRecord struct {
	Path     string   `json:"path"`
	Op       ChangeOp `json:"op"`
	FromPath string   `json:"fromPath,omitempty"`

	DigestBefore string `json:"digestBefore,omitempty"`
	DigestAfter  string `json:"digestAfter,omitempty"`

	SizeBefore *int64 `json:"sizeBefore,omitempty"`
	SizeAfter  *int64 `json:"sizeAfter,omitempty"`

	MtimeBefore *int64 `json:"mtimeBefore,omitempty"` // epoch ms
	MtimeAfter  *int64 `json:"mtimeAfter,omitempty"`   // epoch ms

	ModeBefore *uint32 `json:"modeBefore,omitempty"`
	ModeAfter  *uint32 `json:"modeAfter,omitempty"`

	EOLBefore EOLStyle `json:"eolBefore,omitempty"`
	EOLAfter  EOLStyle `json:"eolAfter,omitempty"`
}

// HasDigestAfter reports whether DigestAfter has been populated yet.
// Used by deferred digesting (spec.md §4.3.1) to find records still
// needing a finalize-time hash.
func (c ChangeRecord) HasDigestAfter() bool { return c.DigestAfter != "" }

// SessionManifest is the persisted, immutable description of a finalized
// session (schema tag "session.v1", spec.md §3).
type SessionManifest struct {
	Schema       string         `json:"schema"`
	SessionID    string         `json:"sessionId"`
	WorkspaceKey string         `json:"workspaceKey"`
	StartedAt    int64          `json:"startedAt"` // epoch ms
	EndedAt      int64          `json:"endedAt"`   // epoch ms
	Triggers     []Trigger      `json:"triggers"`
	Name         string         `json:"name"`
	Tags         []string       `json:"tags"`
	Changes      []ChangeRecord `json:"changes"`
}

// Schema tag constant for SessionManifest.Schema.
const SchemaV1 = "session.v1"

// ChangeCount returns len(Changes), the manifest's changeCount field.
func (m *SessionManifest) ChangeCount() int { return len(m.Changes) }

// Validate checks the structural invariants spec.md §3 requires beyond
// what a struct tag can express: EndedAt >= StartedAt, every digest
// hex-valid, renamed records carry FromPath, and non-renamed records
// don't.
func (m *SessionManifest) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("manifest: empty sessionId")
	}
	if m.EndedAt < m.StartedAt {
		return fmt.Errorf("manifest: endedAt (%d) before startedAt (%d)", m.EndedAt, m.StartedAt)
	}
	for i, c := range m.Changes {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("manifest: change[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks the per-record invariants: hex digest shape, and that
// FromPath is present iff Op == OpRenamed (spec.md §3).
func (c ChangeRecord) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("empty path")
	}
	if c.Op == OpRenamed && c.FromPath == "" {
		return fmt.Errorf("renamed change missing fromPath")
	}
	if c.Op != OpRenamed && c.FromPath != "" {
		return fmt.Errorf("fromPath set on non-renamed change")
	}
	if c.DigestBefore != "" {
		if err := validateHex(c.DigestBefore); err != nil {
			return fmt.Errorf("digestBefore: %w", err)
		}
	}
	if c.DigestAfter != "" {
		if err := validateHex(c.DigestAfter); err != nil {
			return fmt.Errorf("digestAfter: %w", err)
		}
	}
	if c.Op == OpDeleted && c.DigestAfter != "" {
		return fmt.Errorf("deleted change must not have digestAfter")
	}
	if c.Op == OpCreated && c.DigestBefore != "" {
		return fmt.Errorf("created change must not have digestBefore")
	}
	return nil
}

// ErrInvalidHash is returned by validateHex for malformed digests.
var ErrInvalidHash = fmt.Errorf("invalid hash")

func validateHex(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("%w: expected 64 chars, got %d", ErrInvalidHash, len(h))
	}
	for _, c := range h {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return fmt.Errorf("%w: invalid character %q", ErrInvalidHash, c)
		}
	}
	return nil
}

// EpochMillis converts a time.Time to the epoch-millisecond form used
// internally throughout manifests and journals.
func EpochMillis(t time.Time) int64 { return t.UnixMilli() }

// SessionSummary is the lightweight listing form returned by list().
type SessionSummary struct {
	SessionID    string    `json:"sessionId"`
	WorkspaceKey string    `json:"workspaceKey"`
	StartedAt    int64     `json:"startedAt"`
	EndedAt      int64     `json:"endedAt"`
	Name         string    `json:"name"`
	Tags         []string  `json:"tags"`
	ChangeCount  int       `json:"changeCount"`
	Triggers     []Trigger `json:"triggers"`
}

// Summary projects a SessionManifest down to its listing form.
func (m *SessionManifest) Summary() SessionSummary {
	return SessionSummary{
		SessionID:    m.SessionID,
		WorkspaceKey: m.WorkspaceKey,
		StartedAt:    m.StartedAt,
		EndedAt:      m.EndedAt,
		Name:         m.Name,
		Tags:         m.Tags,
		ChangeCount:  len(m.Changes),
		Triggers:     m.Triggers,
	}
}
