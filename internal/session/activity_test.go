// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestActivityTrackerExpiry(t *testing.T) {
	tracker := NewActivityTracker(ActivityConfig{
		Timeout:       30 * time.Millisecond,
		WarningBefore: 10 * time.Millisecond,
	})

	var warned, timedOut atomic.Int32
	tracker.SetWarningCallback(func(time.Duration) { warned.Add(1) })
	tracker.SetTimeoutCallback(func() { timedOut.Add(1) })

	if !tracker.Check() {
		t.Fatal("fresh tracker should not be expired")
	}

	time.Sleep(22 * time.Millisecond)
	if !tracker.Check() {
		t.Fatal("should be in warning window, not expired")
	}
	tracker.Check() // warning fires at most once per activity period
	if n := warned.Load(); n != 1 {
		t.Errorf("warning fired %d times, want 1", n)
	}

	time.Sleep(15 * time.Millisecond)
	if tracker.Check() {
		t.Error("should be expired")
	}
	if timedOut.Load() == 0 {
		t.Error("timeout callback never fired")
	}

	// Activity resets both expiry and the warning latch.
	tracker.RecordActivity()
	if !tracker.Check() {
		t.Error("activity should reset expiry")
	}
	time.Sleep(22 * time.Millisecond)
	tracker.Check()
	if n := warned.Load(); n != 2 {
		t.Errorf("warning after reset fired %d times total, want 2", n)
	}
}

func TestActivityTrackerAutoSave(t *testing.T) {
	tracker := NewActivityTracker(ActivityConfig{
		AutoSaveEnabled:  true,
		AutoSaveInterval: 5 * time.Millisecond,
	})

	var saves atomic.Int32
	tracker.SetAutoSaveCallback(func() error {
		saves.Add(1)
		return nil
	})

	// Clean state never saves.
	time.Sleep(10 * time.Millisecond)
	tracker.Check()
	if saves.Load() != 0 {
		t.Error("auto-save fired with nothing dirty")
	}

	tracker.MarkDirty()
	time.Sleep(10 * time.Millisecond)
	tracker.Check()
	if saves.Load() != 1 {
		t.Errorf("auto-save fired %d times, want 1", saves.Load())
	}
	if tracker.IsDirty() {
		t.Error("successful auto-save should mark clean")
	}
}

func TestActivityTrackerAutoSaveFailureStaysDirty(t *testing.T) {
	tracker := NewActivityTracker(ActivityConfig{
		AutoSaveEnabled:  true,
		AutoSaveInterval: time.Millisecond,
	})
	tracker.SetAutoSaveCallback(func() error { return errors.New("disk full") })

	tracker.MarkDirty()
	time.Sleep(5 * time.Millisecond)
	tracker.Check()
	if !tracker.IsDirty() {
		t.Error("failed auto-save must leave the dirty flag set")
	}
}

func TestActivityTrackerNoTimeoutConfigured(t *testing.T) {
	tracker := NewActivityTracker(ActivityConfig{})
	time.Sleep(5 * time.Millisecond)
	if !tracker.Check() {
		t.Error("zero timeout means the session never expires")
	}
	if tracker.RemainingTime() != 0 {
		t.Error("RemainingTime without a timeout should be zero")
	}
}
