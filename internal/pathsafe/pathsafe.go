// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pathsafe implements the path normalization rules from spec.md
// §4.3: convert separators to "/", reject absolute paths, reject ".."
// segments and embedded NUL bytes, and keep the absolute/relative split
// described in spec.md §9 ("Path handling") — absolute paths exist only
// at the filesystem boundary, everywhere else (catalog, manifests,
// journals) uses the normalized relative form.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// ErrInvalidPath is returned when a path fails normalization (P8).
var ErrInvalidPath = errors.New("pathsafe: invalid path")

// caseInsensitive reports whether the current platform compares paths
// case-insensitively, per spec.md §4.3 ("lowercase-compare only on
// case-insensitive platforms").
var caseInsensitive = runtime.GOOS == "windows" || runtime.GOOS == "darwin"

// Normalize converts absPath (an absolute path under root) into the
// POSIX-normalized relative form used everywhere in the engine except
// at the filesystem boundary.
//
// Returns ErrInvalidPath if the result would contain a ".." segment,
// an embedded NUL byte, or escape root entirely.
func Normalize(root, absPath string) (string, error) {
	if strings.ContainsRune(absPath, 0) || strings.ContainsRune(root, 0) {
		return "", fmt.Errorf("%w: embedded NUL byte", ErrInvalidPath)
	}

	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	rel = filepath.ToSlash(rel)
	return validateRelative(rel)
}

// ValidateRelative checks a path that is already expressed relative to
// the workspace root (e.g. one received directly from an editor
// integration) against the P8 safety rules, normalizing separators.
func ValidateRelative(rel string) (string, error) {
	return validateRelative(filepath.ToSlash(rel))
}

func validateRelative(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: embedded NUL byte", ErrInvalidPath)
	}
	if rel == "" || rel == "." {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: absolute path not allowed in storage", ErrInvalidPath)
	}
	// A Windows drive-letter prefix ("C:") also counts as absolute.
	if len(rel) >= 2 && rel[1] == ':' {
		return "", fmt.Errorf("%w: absolute path not allowed in storage", ErrInvalidPath)
	}

	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: contains \"..\" segment", ErrInvalidPath)
		}
	}

	return rel, nil
}

// Equal compares two normalized relative paths, honoring the platform's
// case sensitivity (spec.md §4.3).
func Equal(a, b string) bool {
	if caseInsensitive {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// Join resolves a normalized relative path back to an absolute
// filesystem path under root, for use only at the filesystem boundary.
func Join(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// MatchesAny reports whether rel matches any of the given glob ignore
// patterns, checked against both the base name and full path the way
// the teacher's file watcher checks ignore patterns.
func MatchesAny(rel string, patterns []string) bool {
	base := filepath.Base(rel)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if strings.Contains(rel, p) {
			return true
		}
	}
	return false
}
