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
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/go-playground/validator/v10"
)

// Wire is the externally-serialized form of SessionManifest: spec.md §6
// requires ISO-8601 timestamps when a manifest crosses the process
// boundary (internally, everything stays epoch-ms int64 for cheap
// comparisons and storage).
type Wire struct {
	Schema       string             `json:"schema" validate:"required,eq=session.v1"`
	SessionID    string             `json:"sessionId" validate:"required"`
	WorkspaceKey string             `json:"workspaceKey" validate:"required"`
	StartedAt    strfmt.DateTime    `json:"startedAt"`
	EndedAt      strfmt.DateTime    `json:"endedAt"`
	Triggers     []Trigger          `json:"triggers"`
	Name         string             `json:"name"`
	Tags         []string           `json:"tags"`
	ChangeCount  int                `json:"changeCount"`
	Changes      []ChangeRecord     `json:"changes"`
}

// ToWire converts the internal epoch-ms manifest to its ISO-8601 wire form.
func (m *SessionManifest) ToWire() Wire {
	return Wire{
		Schema:       m.Schema,
		SessionID:    m.SessionID,
		WorkspaceKey: m.WorkspaceKey,
		StartedAt:    strfmt.DateTime(millisToTime(m.StartedAt)),
		EndedAt:      strfmt.DateTime(millisToTime(m.EndedAt)),
		Triggers:     m.Triggers,
		Name:         m.Name,
		Tags:         m.Tags,
		ChangeCount:  len(m.Changes),
		Changes:      m.Changes,
	}
}

// FromWire converts a received wire-form manifest back to the internal
// epoch-ms representation used by the catalog and rollback engine.
func FromWire(w Wire) *SessionManifest {
	return &SessionManifest{
		Schema:       w.Schema,
		SessionID:    w.SessionID,
		WorkspaceKey: w.WorkspaceKey,
		StartedAt:    time.Time(w.StartedAt).UnixMilli(),
		EndedAt:      time.Time(w.EndedAt).UnixMilli(),
		Triggers:     w.Triggers,
		Name:         w.Name,
		Tags:         w.Tags,
		Changes:      w.Changes,
	}
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var validate = validator.New()

// ValidateWire runs struct-tag validation over the wire form (schema tag
// pinned to "session.v1", required identifiers present), complementing
// SessionManifest.Validate's cross-field checks.
func ValidateWire(w Wire) error {
	return validate.Struct(w)
}
