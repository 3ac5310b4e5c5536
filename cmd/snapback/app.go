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
	"path/filepath"

	"github.com/AleutianAI/snapback/internal/blobstore"
	"github.com/AleutianAI/snapback/internal/catalog"
	"github.com/AleutianAI/snapback/internal/clock"
	"github.com/AleutianAI/snapback/internal/config"
	"github.com/AleutianAI/snapback/internal/logging"
	"github.com/AleutianAI/snapback/internal/metrics"
	"github.com/AleutianAI/snapback/internal/rollback"
)

// app bundles the engine collaborators a single CLI invocation needs,
// all rooted at one workspace's data directory (spec.md §6's
// "<dataDir>" layout).
type app struct {
	workspaceRoot string
	workspaceKey  string
	dataDir       string

	cfg     config.Config
	cat     *catalog.Catalog
	blobs   *blobstore.Store
	metrics *metrics.Registry
	logger  *logging.Logger
	rb      *rollback.Engine
}

// openApp opens (creating on first use) the catalog, blob store, and
// config for the workspace rooted at root, acquiring the single-writer
// lock for the duration of the command.
func openApp(root string) (*app, func(), error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, nil, cmdErr(ExitInvalidArgs, "resolve workspace root", err)
	}
	dataDir := filepath.Join(abs, ".snapback")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, cmdErr(ExitInvalidArgs, "create data directory", err)
	}

	logger := logging.Default()

	cfgPath := filepath.Join(dataDir, "config.yaml")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, cmdErr(ExitInvalidArgs, "load config", err)
	}

	holderID := fmt.Sprintf("snapback-cli-%d", os.Getpid())
	catCfg := catalog.DefaultConfig(filepath.Join(dataDir, "catalog.db"), holderID)
	catCfg.LockWait = cfg.IdleDuration() // reuse idle window as a sane lock-wait upper bound
	cat, err := catalog.Open(catCfg, logger)
	if err != nil {
		return nil, nil, cmdErr(ExitLockTimeout, "open catalog", err)
	}

	release, err := cat.AcquireWriter(context.Background())
	if err != nil {
		_ = cat.Close()
		return nil, nil, cmdErr(ExitLockTimeout, "acquire writer lock", err)
	}

	reg := metrics.New()
	clk := clock.Real()
	blobs := blobstore.New(dataDir, cat, reg, clk, logger)
	rb := rollback.New(cat, blobs, clk, reg, logger)

	a := &app{
		workspaceRoot: abs,
		workspaceKey:  abs,
		dataDir:       dataDir,
		cfg:           cfg,
		cat:           cat,
		blobs:         blobs,
		metrics:       reg,
		logger:        logger,
		rb:            rb,
	}

	cleanup := func() {
		release()
		_ = cat.Close()
	}
	return a, cleanup, nil
}

// activeFilePath is the sidecar recording the in-progress session
// between discrete CLI invocations (see DESIGN.md: session.Manager's
// buffer is process-resident only, so the one-shot `start`/`track`/
// `finalize` subcommands need their own small durable handoff format).
func (a *app) activeFilePath() string {
	return filepath.Join(a.dataDir, "active.json")
}
