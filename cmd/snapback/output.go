// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/snapback/internal/catalog"
)

// Exit codes from spec.md §6 ("Exit codes for any bundled operational
// tool (non-normative)").
const (
	ExitSuccess         = 0
	ExitInvalidArgs     = 2
	ExitLockTimeout     = 3
	ExitIntegrityFailed = 4
	ExitPartialRollback = 5
)

// lastExitCode is set by each command's RunE before returning, since
// cobra itself only distinguishes "error" from "no error".
var lastExitCode = ExitSuccess

// CommandError pairs a user-facing message with one of spec.md §6's
// exit codes, the way the teacher's CommandError carries a shell exit
// code alongside a wrapped error.
type CommandError struct {
	Code    int
	Message string
	Wrapped error
}

func (e *CommandError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *CommandError) Unwrap() error { return e.Wrapped }

func cmdErr(code int, message string, wrapped error) *CommandError {
	return &CommandError{Code: code, Message: message, Wrapped: wrapped}
}

// exitCodeFor maps a returned error to its spec.md §6 exit code,
// classifying catalog/rollback sentinel errors even when a command
// didn't wrap them explicitly.
func exitCodeFor(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	if errors.Is(err, catalog.ErrLockTimeout) {
		return ExitLockTimeout
	}
	return ExitInvalidArgs
}

// isTTY reports whether stdout is an interactive terminal, gating
// colored/progress output the way cmd/aleutian/output.go gates JSON
// vs. human-readable rendering.
func isTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
