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
	"github.com/spf13/cobra"
)

var (
	workspaceRoot  string
	jsonOutput     bool
	trackFrom      string
	listLimit      int
	rollbackDryRun bool
)

var rootCmd = &cobra.Command{
	Use:           "snapback",
	Short:         "Content-addressable undo history for a working directory",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Begin a new editing session for the workspace",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var trackCmd = &cobra.Command{
	Use:   "track <path> <created|modified|deleted|renamed>",
	Short: "Record a single file-change event against the active session",
	Args:  cobra.ExactArgs(2),
	RunE:  runTrack,
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Close out the active session: tag, persist, and ref-count its blobs",
	Args:  cobra.NoArgs,
	RunE:  runFinalize,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent sessions for the workspace",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's full change list",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <session-id>",
	Short: "Revert a session's changes, restoring prior file contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Collect blobs with a zero refcount past the grace window",
	Args:  cobra.NoArgs,
	RunE:  runGC,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Replay or prune incomplete rollbacks left behind by a crash",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Dump blob store, catalog, and metrics counters",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceRoot, "root", ".", "workspace root directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON output")

	trackCmd.Flags().StringVar(&trackFrom, "from", "", "prior relative path, required for the renamed op")

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of sessions to list")

	rollbackCmd.Flags().BoolVar(&rollbackDryRun, "dry-run", false, "report what would change without touching the workspace")

	rootCmd.AddCommand(
		startCmd,
		trackCmd,
		finalizeCmd,
		listCmd,
		showCmd,
		rollbackCmd,
		gcCmd,
		recoverCmd,
		statsCmd,
	)
}
