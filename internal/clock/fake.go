// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually-advanced Clock for deterministic tests of idle
// timers, max-duration watchdogs, and rollback crash-recovery sequences.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	nextSeq int
}

// NewFake returns a Fake clock starting at the given time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

func (f *Fake) NewTimer(d time.Duration) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSeq++
	t := &fakeTimer{
		fake:    f,
		seq:     f.nextSeq,
		ch:      make(chan time.Time, 1),
		fireAt:  f.now.Add(d),
		pending: true,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the fake clock forward by d, firing any timers whose
// deadline has been reached, in deadline order (ties broken by creation
// order, matching the single-threaded ordering guarantees in spec.md §5).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	due := f.dueLocked()
	f.mu.Unlock()

	for _, t := range due {
		t.fire()
	}
}

func (f *Fake) dueLocked() []*fakeTimer {
	var due []*fakeTimer
	remaining := f.timers[:0]
	for _, t := range f.timers {
		if t.pending && !t.fireAt.After(f.now) {
			due = append(due, t)
			t.pending = false
		} else {
			remaining = append(remaining, t)
		}
	}
	f.timers = remaining
	sort.Slice(due, func(i, j int) bool {
		if due[i].fireAt.Equal(due[j].fireAt) {
			return due[i].seq < due[j].seq
		}
		return due[i].fireAt.Before(due[j].fireAt)
	})
	return due
}

type fakeTimer struct {
	fake    *Fake
	seq     int
	ch      chan time.Time
	fireAt  time.Time
	pending bool
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }

func (t *fakeTimer) fire() {
	select {
	case t.ch <- t.fireAt:
	default:
	}
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	was := t.pending
	t.pending = true
	t.fireAt = t.fake.now.Add(d)
	if !contains(t.fake.timers, t) {
		t.fake.timers = append(t.fake.timers, t)
	}
	return was
}

func (t *fakeTimer) Stop() bool {
	t.fake.mu.Lock()
	defer t.fake.mu.Unlock()
	was := t.pending
	t.pending = false
	return was
}

func contains(timers []*fakeTimer, target *fakeTimer) bool {
	for _, t := range timers {
		if t == target {
			return true
		}
	}
	return false
}
