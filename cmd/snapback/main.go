// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command snapback is the reference operational tool for the engine:
// a cobra CLI exercising start/track/finalize/list/show/rollback/gc/
// recover/stats against a single workspace (spec.md §6).
package main

import "os"

func main() {
	os.Exit(Execute())
}

// Execute runs the root command and maps the result to one of the
// exit codes from spec.md §6 (0/2/3/4/5).
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return lastExitCode
}
