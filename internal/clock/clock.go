// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clock abstracts time so the session lifecycle manager and
// rollback engine can be driven deterministically in tests, instead of
// depending on real sleeps for idle timers and duration watchdogs.
package clock

import "time"

// Timer is the subset of *time.Timer that callers need: reset and stop.
// Modeled so a fake implementation can be swapped in under test.
type Timer interface {
	// C returns the channel that fires when the timer expires.
	C() <-chan time.Time
	// Reset re-arms the timer for d from now, cancelling any pending fire.
	// Returns false if the timer had already expired or been stopped.
	Reset(d time.Duration) bool
	// Stop cancels the timer. Returns false if it had already fired/stopped.
	Stop() bool
}

// Clock is the time source used throughout the engine. Production code
// uses Real(); tests use NewFake() to drive boundary detection and crash
// scenarios without real sleeps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer creates a Timer that fires after d.
	NewTimer(d time.Duration) Timer
	// Sleep blocks the calling goroutine for d (a Fake clock does not
	// block: its Sleep advances the fake time by d, firing due timers).
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the standard library's wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: time.NewTimer(d)}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

type realTimer struct {
	t *time.Timer
}

func (r *realTimer) C() <-chan time.Time      { return r.t.C }
func (r *realTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }
func (r *realTimer) Stop() bool               { return r.t.Stop() }
