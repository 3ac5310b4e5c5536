// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fsatomic provides the rename-based primitives the rollback
// engine builds its per-file swap protocol on (spec.md §4.4 step 8,
// §9 "EXDEV fallback"): a rename that falls back to copy+unlink across
// filesystem boundaries, and the advisory flock the catalog's
// single-writer lock can layer over a plain file when a second process
// shares the same host.
package fsatomic

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Rename moves oldpath to newpath, falling back to a copy-then-unlink
// when the two paths live on different devices (EXDEV), which a plain
// os.Rename refuses to cross.
func Rename(oldpath, newpath string) error {
	err := os.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}
	if !isEXDEV(err) {
		return fmt.Errorf("fsatomic: rename %s -> %s: %w", oldpath, newpath, err)
	}
	return copyThenUnlink(oldpath, newpath)
}

func isEXDEV(err error) bool {
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return errors.Is(linkErr.Err, unix.EXDEV)
	}
	return errors.Is(err, unix.EXDEV)
}

// copyThenUnlink implements Rename's cross-device fallback: copy
// oldpath's bytes and mode to newpath, fsync, then remove oldpath.
// Not itself atomic across a crash — recovery (internal/recovery)
// tolerates a leftover oldpath because the journal still names it.
func copyThenUnlink(oldpath, newpath string) error {
	src, err := os.Open(oldpath)
	if err != nil {
		return fmt.Errorf("fsatomic: open %s: %w", oldpath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("fsatomic: stat %s: %w", oldpath, err)
	}

	tmp := newpath + ".tmp-copy"
	dst, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return fmt.Errorf("fsatomic: create %s: %w", tmp, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsatomic: copy %s -> %s: %w", oldpath, tmp, err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsatomic: fsync %s: %w", tmp, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsatomic: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, newpath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fsatomic: rename %s -> %s: %w", tmp, newpath, err)
	}
	if err := os.Remove(oldpath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fsatomic: unlink %s: %w", oldpath, err)
	}
	return nil
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("fsatomic: mkdir %s: %w", dir, err)
	}
	return nil
}

// WriteFileAtomic writes data to path via a sibling temp file that is
// fsynced and renamed into place, so a crash mid-write never leaves a
// torn file at path.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsatomic: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("fsatomic: write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsatomic: fsync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsatomic: close temp %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("fsatomic: chmod temp %s: %w", tmpName, err)
	}
	if err := Rename(tmpName, path); err != nil {
		return err
	}
	return nil
}

// Flock takes an advisory exclusive lock on f's descriptor, used by
// the catalog's cross-process writer discipline as a local-only
// fast path before consulting the writer_lock row.
func Flock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

// Funlock releases a lock taken by Flock.
func Funlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
