// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pathsafe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	rel, err := Normalize("/workspace", "/workspace/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "src/main.go", rel)
}

func TestNormalizeRejectsParentEscape(t *testing.T) {
	_, err := Normalize("/workspace/project", "/workspace/other/secret.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestValidateRelativeRejectsAbsolute(t *testing.T) {
	_, err := ValidateRelative("/etc/passwd")
	require.Error(t, err)
}

func TestValidateRelativeRejectsDotDot(t *testing.T) {
	_, err := ValidateRelative("../outside")
	require.Error(t, err)
}

func TestValidateRelativeRejectsEmbeddedNUL(t *testing.T) {
	_, err := Normalize("/workspace", "/workspace/ev\x00il.txt")
	require.Error(t, err)

	_, err = ValidateRelative("ev\x00il.txt")
	require.Error(t, err)
}

func TestValidateRelativeNormalizesSeparators(t *testing.T) {
	rel, err := ValidateRelative("src\\main.go")
	require.NoError(t, err)
	assert.NotContains(t, rel, "\\")
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("src/main.go", "src/main.go"))
	assert.False(t, Equal("src/main.go", "src/Main.go"))
}

func TestMatchesAny(t *testing.T) {
	patterns := []string{".git", "*.bak-*", "node_modules"}
	assert.True(t, MatchesAny(".git/HEAD", patterns))
	assert.True(t, MatchesAny("src/main.go.bak-abc123", patterns))
	assert.True(t, MatchesAny("node_modules/pkg/index.js", patterns))
	assert.False(t, MatchesAny("src/main.go", patterns))
}
