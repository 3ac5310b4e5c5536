// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tagger derives the deterministic name and tags for a
// finalized session (spec.md §4.8).
//
// Grounded on spec.md §4.8 directly — no teacher precedent for
// name/tag derivation. Added-line counting for the large-edits
// threshold borrows the teacher's own diff pipeline
// (services/trace/diff/parse.go): compute a Myers-LCS edit script,
// format it as a unified diff, then hand it to
// github.com/sourcegraph/go-diff/diff to recover per-hunk line
// counts, rather than reimplementing hunk bookkeeping.
package tagger

import (
	"fmt"
	"path/filepath"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/snapback/internal/manifest"
)

// Thresholds are the tagging knobs from spec.md §4.8 ("Tagging
// thresholds are configuration").
type Thresholds struct {
	LongSessionMs  int64
	ShortSessionMs int64
	LargeEditLines int
	MultiFileCount int
}

// DefaultThresholds returns the values spec.md §4.8 suggests.
func DefaultThresholds() Thresholds {
	return Thresholds{
		LongSessionMs:  30 * 60 * 1000,
		ShortSessionMs: 10 * 1000,
		LargeEditLines: 1000,
		MultiFileCount: 5,
	}
}

// BurstMetrics is optional input from a collaborator describing edit
// velocity within the session. Tags does no diffing of its own: the
// large-edits and burst tags come only from these fields, and are never
// emitted when Tags is given nil.
type BurstMetrics struct {
	IsBurst    bool
	AddedLines int
}

// Name produces a deterministic short label from the first unique file
// stems touched by the session, of the form "Updated A, B, C" (at most
// three stems) or "Updated N files" when no stems can be extracted or
// there are more than three distinct stems.
func Name(m *manifest.SessionManifest) string {
	seen := make(map[string]bool)
	var stems []string
	for _, c := range m.Changes {
		stem := fileStem(c.Path)
		if stem == "" || seen[stem] {
			continue
		}
		seen[stem] = true
		stems = append(stems, stem)
	}
	if len(stems) == 0 || len(stems) > 3 {
		return fmt.Sprintf("Updated %d files", uniquePathCount(m.Changes))
	}
	return "Updated " + strings.Join(stems, ", ")
}

func uniquePathCount(changes []manifest.ChangeRecord) int {
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		seen[c.Path] = true
	}
	return len(seen)
}

func fileStem(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}

// Tags computes the subset of spec.md §4.8's tag vocabulary that
// applies to m, given optional burst metrics from a collaborator.
func Tags(m *manifest.SessionManifest, th Thresholds, burst *BurstMetrics) []string {
	var tags []string

	if uniquePathCount(m.Changes) > th.MultiFileCount {
		tags = append(tags, "multi-file")
	}

	duration := m.EndedAt - m.StartedAt
	if duration > th.LongSessionMs {
		tags = append(tags, "long-session")
	} else if duration < th.ShortSessionMs {
		tags = append(tags, "short-session")
	}

	if burst != nil && burst.AddedLines > th.LargeEditLines {
		tags = append(tags, "large-edits")
	}
	if burst != nil && burst.IsBurst {
		tags = append(tags, "burst")
	}

	for _, trig := range m.Triggers {
		switch trig {
		case manifest.TriggerManual:
			tags = append(tags, "manual")
		case manifest.TriggerIdleFinalize:
			tags = append(tags, "idle-break")
		case manifest.TriggerBlur:
			tags = append(tags, "blur")
		case manifest.TriggerPreCommit:
			tags = append(tags, "commit")
		case manifest.TriggerTask:
			tags = append(tags, "task")
		case manifest.TriggerMaxDuration:
			tags = append(tags, "max-duration")
		}
	}

	return dedupeOrdered(tags)
}

func dedupeOrdered(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// CountAddedLines diffs oldContent against newContent at line
// granularity and returns the number of added lines, for feeding
// BurstMetrics.AddedLines across a session's changes. It deliberately
// stops at line granularity (spec.md §1 Non-goals: no character/AST
// diffing).
func CountAddedLines(path, oldContent, newContent string) (int, error) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)
	edits := computeLineEdits(oldLines, newLines)
	unified := formatUnified(path, edits)
	if unified == "" {
		return 0, nil
	}

	fileDiffs, err := godiff.ParseMultiFileDiff([]byte(unified))
	if err != nil {
		return 0, fmt.Errorf("tagger: parse diff for %s: %w", path, err)
	}
	added := 0
	for _, fd := range fileDiffs {
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					added++
				}
			}
		}
	}
	return added, nil
}

func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" && strings.HasSuffix(content, "\n") {
		lines = lines[:len(lines)-1]
	}
	return lines
}

type editKind int

const (
	editEqual editKind = iota
	editInsert
	editDelete
)

type editOp struct {
	kind editKind
	text string
}

// maxLCSMatrixSize bounds the O(m*n) LCS table; beyond it, large files
// fall back to a coarse whole-file replacement rather than exhausting
// memory computing an exact diff of two unrelated-length documents.
const maxLCSMatrixSize = 100_000_000

func computeLineEdits(oldLines, newLines []string) []editOp {
	m, n := len(oldLines), len(newLines)
	if m == 0 && n == 0 {
		return nil
	}
	if int64(m+1)*int64(n+1) > maxLCSMatrixSize {
		var edits []editOp
		for _, l := range oldLines {
			edits = append(edits, editOp{kind: editDelete, text: l})
		}
		for _, l := range newLines {
			edits = append(edits, editOp{kind: editInsert, text: l})
		}
		return edits
	}

	lcs := make([][]int, m+1)
	for i := range lcs {
		lcs[i] = make([]int, n+1)
	}
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			if oldLines[i] == newLines[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else if lcs[i+1][j] >= lcs[i][j+1] {
				lcs[i][j] = lcs[i+1][j]
			} else {
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	var edits []editOp
	i, j := 0, 0
	for i < m || j < n {
		switch {
		case i < m && j < n && oldLines[i] == newLines[j]:
			edits = append(edits, editOp{kind: editEqual, text: oldLines[i]})
			i++
			j++
		case j < n && (i >= m || lcs[i][j+1] >= lcs[i+1][j]):
			edits = append(edits, editOp{kind: editInsert, text: newLines[j]})
			j++
		default:
			edits = append(edits, editOp{kind: editDelete, text: oldLines[i]})
			i++
		}
	}
	return edits
}

func formatUnified(path string, edits []editOp) string {
	if len(edits) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- a/%s\n", path))
	sb.WriteString(fmt.Sprintf("+++ b/%s\n", path))

	oldCount, newCount := 0, 0
	for _, e := range edits {
		switch e.kind {
		case editEqual:
			oldCount++
			newCount++
		case editDelete:
			oldCount++
		case editInsert:
			newCount++
		}
	}
	sb.WriteString(fmt.Sprintf("@@ -1,%d +1,%d @@\n", oldCount, newCount))
	for _, e := range edits {
		switch e.kind {
		case editEqual:
			sb.WriteString(" " + e.text + "\n")
		case editDelete:
			sb.WriteString("-" + e.text + "\n")
		case editInsert:
			sb.WriteString("+" + e.text + "\n")
		}
	}
	return sb.String()
}
