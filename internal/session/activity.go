// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"
	"time"
)

// =============================================================================
// ACTIVITY TRACKER
// =============================================================================

// ActivityTracker keeps idle-timeout, warning, and auto-save state for
// the session. The host drives it by calling Check periodically (once a
// second is plenty); callbacks fire outside the tracker's lock.
type ActivityTracker struct {
	mu sync.Mutex

	startTime    time.Time
	lastActivity time.Time

	timeout       time.Duration
	warningBefore time.Duration
	warningShown  bool

	autoSaveEnabled  bool
	autoSaveInterval time.Duration
	lastAutoSave     time.Time
	dirty            bool

	onTimeout  func()
	onWarning  func(remaining time.Duration)
	onAutoSave func() error
}

// ActivityConfig holds tracker settings.
type ActivityConfig struct {
	Timeout          time.Duration
	WarningBefore    time.Duration
	AutoSaveEnabled  bool
	AutoSaveInterval time.Duration
}

// NewActivityTracker creates a tracker with the clock started now.
func NewActivityTracker(cfg ActivityConfig) *ActivityTracker {
	now := time.Now()
	return &ActivityTracker{
		startTime:        now,
		lastActivity:     now,
		timeout:          cfg.Timeout,
		warningBefore:    cfg.WarningBefore,
		autoSaveEnabled:  cfg.AutoSaveEnabled,
		autoSaveInterval: cfg.AutoSaveInterval,
		lastAutoSave:     now,
	}
}

// =============================================================================
// ACTIVITY STATE
// =============================================================================

// RecordActivity resets the idle clock. Call on any user action.
func (a *ActivityTracker) RecordActivity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = time.Now()
	a.warningShown = false
}

// MarkDirty notes unsaved changes.
func (a *ActivityTracker) MarkDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
}

// MarkClean notes that the session was just saved.
func (a *ActivityTracker) MarkClean() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = false
	a.lastAutoSave = time.Now()
}

// IsDirty reports unsaved changes.
func (a *ActivityTracker) IsDirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// IdleTime returns how long since the last recorded activity.
func (a *ActivityTracker) IdleTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Since(a.lastActivity)
}

// RemainingTime returns time until idle expiry, zero when expired or
// when no timeout is configured.
func (a *ActivityTracker) RemainingTime() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timeout <= 0 {
		return 0
	}
	remaining := a.timeout - time.Since(a.lastActivity)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpired reports whether the idle timeout has elapsed.
func (a *ActivityTracker) IsExpired() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expiredLocked()
}

func (a *ActivityTracker) expiredLocked() bool {
	return a.timeout > 0 && time.Since(a.lastActivity) >= a.timeout
}

// =============================================================================
// CALLBACKS
// =============================================================================

// SetTimeoutCallback sets the function called once the session expires.
func (a *ActivityTracker) SetTimeoutCallback(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onTimeout = fn
}

// SetWarningCallback sets the function called when expiry approaches.
func (a *ActivityTracker) SetWarningCallback(fn func(remaining time.Duration)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onWarning = fn
}

// SetAutoSaveCallback sets the function invoked to persist dirty state.
func (a *ActivityTracker) SetAutoSaveCallback(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onAutoSave = fn
}

// =============================================================================
// PERIODIC CHECK
// =============================================================================

// Check evaluates the tracker and fires due callbacks. Returns false
// once the session has expired. The warning fires at most once per
// activity period.
func (a *ActivityTracker) Check() bool {
	a.mu.Lock()
	expired := a.expiredLocked()

	var warn bool
	var remaining time.Duration
	if !expired && !a.warningShown && a.timeout > 0 && a.warningBefore > 0 {
		idle := time.Since(a.lastActivity)
		if idle >= a.timeout-a.warningBefore {
			warn = true
			remaining = a.timeout - idle
			a.warningShown = true
		}
	}

	save := a.autoSaveEnabled && a.dirty &&
		a.autoSaveInterval > 0 && time.Since(a.lastAutoSave) >= a.autoSaveInterval

	onTimeout := a.onTimeout
	onWarning := a.onWarning
	onAutoSave := a.onAutoSave
	a.mu.Unlock()

	if warn && onWarning != nil {
		onWarning(remaining)
	}
	if save && onAutoSave != nil {
		if err := onAutoSave(); err == nil {
			a.MarkClean()
		}
	}
	if expired && onTimeout != nil {
		onTimeout()
	}
	return !expired
}
