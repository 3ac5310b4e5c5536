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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/snapback/internal/recovery"
)

func runGC(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	collected, err := a.blobs.GC(context.Background(), a.cfg.BlobGrace())
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "gc failed", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(map[string]int{"collected": collected})
	}
	fmt.Fprintf(os.Stdout, "collected %d orphaned blobs\n", collected)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	sweeper := recovery.New(a.cat, nil, a.cfg.JournalRetention(), a.logger)
	report, err := sweeper.Run(context.Background(), a.workspaceRoot)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "recovery sweep failed", err)
	}

	lastExitCode = ExitSuccess
	if len(report.Errors) > 0 {
		lastExitCode = ExitPartialRollback
	}
	if jsonOutput {
		return printJSON(report)
	}
	fmt.Fprintf(os.Stdout, "replayed=%v pruned=%v orphans=%v\n", report.Replayed, report.Pruned, report.Orphans)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, cleanup, err := openApp(workspaceRoot)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := context.Background()
	blobStats, err := a.blobs.Stats(ctx)
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "blobstore stats", err)
	}
	dump, err := a.metrics.DumpText()
	if err != nil {
		lastExitCode = ExitInvalidArgs
		return cmdErr(ExitInvalidArgs, "metrics dump", err)
	}

	lastExitCode = ExitSuccess
	if jsonOutput {
		return printJSON(map[string]any{"blobstore": blobStats, "metrics": dump})
	}
	fmt.Fprintf(os.Stdout, "totalBlobs=%d uncompressed=%d compressed=%d ratio=%.2f\n",
		blobStats.TotalBlobs, blobStats.TotalUncompressed, blobStats.TotalCompressed, blobStats.CompressionRatio)
	fmt.Fprint(os.Stdout, dump)
	return nil
}
