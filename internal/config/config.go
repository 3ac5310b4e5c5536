// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config is the engine's configuration surface (spec.md §4.7):
// the fixed design-time knobs for idle/duration windows, flush
// cadence, deduplication, and GC/journal retention.
//
// Grounded on cmd/aleutian/config/loader.go's sync.Once Load() /
// createDefault pattern, adapted from a single global singleton keyed
// on the user's home directory to a per-workspace config rooted at an
// explicit path.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable from spec.md §4.7.
type Config struct {
	IdleMs               int64    `yaml:"idle_ms" validate:"gt=0"`
	MinSessionDurationMs int64    `yaml:"min_session_duration_ms" validate:"gte=0"`
	MaxSessionDurationMs int64    `yaml:"max_session_duration_ms" validate:"gt=0"`
	FlushBatchSize       int      `yaml:"flush_batch_size" validate:"gt=0"`
	FlushIntervalMs      int64    `yaml:"flush_interval_ms" validate:"gt=0"`
	DedupWindowMs        int64    `yaml:"dedup_window_ms" validate:"gte=0"`
	MinFilesForDedup     int      `yaml:"min_files_for_dedup" validate:"gte=0"`
	DedupCacheSize       int      `yaml:"dedup_cache_size" validate:"gt=0"`
	BlobGraceMs          int64    `yaml:"blob_grace_ms" validate:"gte=0"`
	JournalRetentionMs   int64    `yaml:"journal_retention_ms" validate:"gte=0"`
	IgnorePatterns       []string `yaml:"ignore_patterns"`
}

// DefaultIgnorePatterns matches spec.md §4.7's "vendor/build dirs" entry.
var DefaultIgnorePatterns = []string{
	".git", "node_modules", "vendor", "dist", "build", ".sb-staging-*", "*.bak-*",
}

// Default returns spec.md §4.7's suggested defaults.
func Default() Config {
	return Config{
		IdleMs:               105_000,
		MinSessionDurationMs: 5_000,
		MaxSessionDurationMs: 3_600_000,
		FlushBatchSize:       50,
		FlushIntervalMs:      5_000,
		DedupWindowMs:        300_000,
		MinFilesForDedup:     5,
		DedupCacheSize:       100,
		BlobGraceMs:          86_400_000,
		JournalRetentionMs:   604_800_000,
		IgnorePatterns:       append([]string(nil), DefaultIgnorePatterns...),
	}
}

func (c Config) IdleDuration() time.Duration     { return time.Duration(c.IdleMs) * time.Millisecond }
func (c Config) MinSessionDuration() time.Duration {
	return time.Duration(c.MinSessionDurationMs) * time.Millisecond
}
func (c Config) MaxSessionDuration() time.Duration {
	return time.Duration(c.MaxSessionDurationMs) * time.Millisecond
}
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}
func (c Config) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMs) * time.Millisecond
}
func (c Config) BlobGrace() time.Duration {
	return time.Duration(c.BlobGraceMs) * time.Millisecond
}
func (c Config) JournalRetention() time.Duration {
	return time.Duration(c.JournalRetentionMs) * time.Millisecond
}

var validate = validator.New()

// Validate checks every numeric knob against the bounds spec.md §4.7
// implies (no negative durations, no zero batch sizes).
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.MaxSessionDurationMs <= c.MinSessionDurationMs {
		return fmt.Errorf("config: max_session_duration_ms must exceed min_session_duration_ms")
	}
	return nil
}

var (
	once    sync.Once
	loaded  Config
	loadErr error
)

// Load reads (or creates) the YAML config at path exactly once per
// process, caching the result for subsequent calls.
func Load(path string) (Config, error) {
	once.Do(func() {
		loaded, loadErr = loadInternal(path)
	})
	return loaded, loadErr
}

func loadInternal(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return Config{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal defaults: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
