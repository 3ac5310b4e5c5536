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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapback/internal/catalog"
)

func runList(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	sessions, err := a.cat.ListSessions(context.Background(), a.workspaceKey, listLimit)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "list sessions", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(sessions)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tENDED\tCHANGES\tNAME\tTAGS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%v\n",
			s.SessionID, time.UnixMilli(s.EndedAt).Format(time.RFC3339), s.ChangeCount, s.Name, s.Tags)
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	sessionID := args[0]

	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	mf, err := a.cat.GetSession(context.Background(), sessionID)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		if errors.Is(err, catalog.ErrNotFound) {
			return cmdErr(ExitInvalidArgs, fmt.Sprintf("no such session %q", sessionID), nil)
		}
		return cmdErr(ExitInvalidArgs, "get session", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(mf.ToWire())
	}

	fmt.Fprintf(os.Stdout, "%s %q (%d changes, triggers=%v)\n", mf.SessionID, mf.Name, mf.ChangeCount(), mf.Triggers)
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tOP\tFROM\tDIGEST_BEFORE\tDIGEST_AFTER")
	for _, c := range mf.Changes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.12s\t%.12s\n", c.Path, c.Op, c.FromPath, c.DigestBefore, c.DigestAfter)
	}
	return w.Flush()
}
