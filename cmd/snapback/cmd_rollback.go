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
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/rollback"
)

func runRollback(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	mf, err := a.cat.GetSession(ctx, sessionID)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		if errors.Is(err, catalog.ErrNotFound) {
			return cmdErr(ExitInvalidArgs, fmt.Sprintf("no such session %q", sessionID), nil)
		}
		return cmdErr(ExitInvalidArgs, "get session", err)
	}

	opts := rollback.Options{DryRun: rollbackDryRun}

	var prog *tea.Program
	if !jsonOutput && isTTY() {
		model := newProgressModel(mf.ChangeCount())
		prog = tea.NewProgram(model)
		opts.OnProgress = func(ev rollback.ProgressEvent) {
			prog.Send(progressMsg(ev))
		}
		go func() {
			if _, runErr := prog.Run(); runErr != nil {
				a.logger.Warn("rollback: progress tui exited with error", "err", runErr)
			}
		}()
	}

	result, rbErr := a.rb.Rollback(ctx, mf, a.workspaceRoot, opts)
	if prog != nil {
		prog.Send(doneMsg{})
	}

	if rbErr != nil {
		lastExitCode = ExitIntegrityFailed
		return cmdErr(ExitIntegrityFailed, "rollback failed", rbErr)
	}

	if !result.Success {
		lastExitCode = ExitPartialRollback
	} else if !opts.DryRun {
		for _, c := range mf.Changes {
			for _, d := range []string{c.DigestBefore, c.DigestAfter} {
				if d == "" {
					continue
				}
				if err := a.blobs.DecRef(ctx, d, 1); err != nil {
					a.logger.Warn("rollback: decref failed", "digest", d, "err", err)
				}
			}
		}
		if err := a.cat.DeleteSession(ctx, sessionID); err != nil {
			a.logger.Warn("rollback: delete session record failed", "session_id", sessionID, "err", err)
		}
		lastExitCode = ExitSuccess
	} else {
		lastExitCode = ExitSuccess
	}

	if jsonOutput {
		return printJSON(result)
	}
	fmt.Fprintf(os.Stdout, "rollback %s: reverted=%d skipped=%d success=%v\n",
		sessionID, len(result.FilesReverted), len(result.FilesSkipped), result.Success)
	if len(result.DryRunPaths) > 0 {
		fmt.Fprintf(os.Stdout, "dry-run would affect: %v\n", result.DryRunPaths)
	}
	return nil
}
