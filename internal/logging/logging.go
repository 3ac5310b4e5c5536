// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the snapback engine.
//
// # Architecture
//
// Built on log/slog, following a layered design: stderr output by
// default, with an optional file sink for durable diagnostics. Every
// core component wraps its own *slog.Logger via With("component", ...),
// so per-subsystem log lines can be filtered without separate logger
// instances threaded everywhere.
//
// # Basic usage
//
//	logger := logging.Default()
//	logger.Info("session finalized", "session_id", id, "change_count", n)
//
// # File logging
//
//	logger, err := logging.New(logging.Config{LogDir: dataDir, Service: "snapback"})
//	if err != nil { ... }
//	defer logger.Close()
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level mirrors slog.Level with engine-friendly names.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Config configures a Logger.
type Config struct {
	// Level is the minimum level emitted. Defaults to Info.
	Level Level
	// LogDir, if non-empty, enables a JSON file sink at
	// <LogDir>/<Service>_<date>.log in addition to stderr.
	LogDir string
	// Service names the log file prefix. Defaults to "snapback".
	Service string
}

// Logger wraps a *slog.Logger with an optional file sink that must be
// closed to flush and release the underlying file handle.
type Logger struct {
	mu     sync.Mutex
	slog   *slog.Logger
	file   *os.File
}

var defaultOnce sync.Once
var defaultLogger *Logger

// Default returns a stderr-only logger at Info level, shared across the
// process for components that don't receive an explicit Logger.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLogger = &Logger{slog: slog.Default()}
	})
	return defaultLogger
}

// New creates a Logger per cfg. Callers owning a Logger with LogDir set
// must call Close to flush and release the log file.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "snapback"
	}

	var writers []io.Writer
	writers = append(writers, os.Stderr)

	var file *os.File
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: cfg.Level})
	return &Logger{slog: slog.New(handler), file: file}, nil
}

// With returns a derived Logger tagging all lines with the given
// key/value pairs (typically "component", "<name>").
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.raw().With(args...), file: l.file}
}

// raw returns the underlying *slog.Logger, defaulting to slog.Default()
// for a nil receiver so components can accept a possibly-nil *Logger.
func (l *Logger) raw() *slog.Logger {
	if l == nil || l.slog == nil {
		return slog.Default()
	}
	return l.slog
}

func (l *Logger) Debug(msg string, args ...any) { l.raw().Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.raw().Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.raw().Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.raw().Error(msg, args...) }

// Close flushes and releases the file sink, if one is open. Safe to
// call on a Logger with no file sink (no-op).
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
