// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable session persistence.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// recordFile is the well-known name of the durable session record.
	recordFile = "session.json"

	// DefaultMaxRecordBytes caps the serialized record size.
	DefaultMaxRecordBytes = 5 * 1024 * 1024

	// DefaultKeepRecent is the eviction window applied when the record
	// exceeds the size cap: only the most recent messages survive.
	DefaultKeepRecent = 50
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrRecordTooLarge is returned when the record still exceeds the size
// cap after eviction.
var ErrRecordTooLarge = errors.New("session record exceeds size cap after eviction")

// StoreError wraps any I/O failure crossing the storage boundary. Use
// errors.Is(err, target) on the wrapped cause when needed.
type StoreError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes the underlying cause.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SANITIZER INTERFACE
// =============================================================================

// Sanitizer re-cleans message content before serialization. The durable
// medium is writable out-of-band, so saved content is never assumed clean.
type Sanitizer interface {
	SanitizeStored(role model.Role, content string) string
}

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore handles persistence of the single session record.
type SessionStore struct {
	// BaseDir is the state directory holding the record.
	BaseDir string

	// MaxRecordBytes caps the serialized record size (0 = default).
	MaxRecordBytes int

	// KeepRecent is the eviction window when the cap is exceeded.
	KeepRecent int

	sanitizer Sanitizer
}

// NewSessionStore creates a store rooted at the default state directory
// (~/.sessioncore).
func NewSessionStore(sanitizer Sanitizer) (*SessionStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}
	return NewSessionStoreWithDir(filepath.Join(homeDir, ".sessioncore"), sanitizer)
}

// NewSessionStoreWithDir creates a store rooted at a custom directory.
func NewSessionStoreWithDir(baseDir string, sanitizer Sanitizer) (*SessionStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, &StoreError{Op: "init", Err: err}
	}
	return &SessionStore{
		BaseDir:        baseDir,
		MaxRecordBytes: DefaultMaxRecordBytes,
		KeepRecent:     DefaultKeepRecent,
		sanitizer:      sanitizer,
	}, nil
}

// recordPath returns the path of the durable record.
func (s *SessionStore) recordPath() string {
	return filepath.Join(s.BaseDir, recordFile)
}

// =============================================================================
// LOAD
// =============================================================================

// Load reads the durable record. It returns (nil, nil) when no record
// exists. A malformed record is never surfaced: the store clears it and
// reports absence (fail closed). A record with an older schema version
// is migrated, persisted in migrated form, and returned.
func (s *SessionStore) Load() (*model.Session, error) {
	data, err := os.ReadFile(s.recordPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &StoreError{Op: "load", Err: err}
	}

	var sess model.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// Corrupted payload. Clearing is deliberate: stale garbage must
		// not resurface on the next load either.
		log.Printf("storage: clearing corrupted session record: %v", err)
		s.Clear()
		return nil, nil
	}

	migrated := false
	if sess.Version != model.SchemaVersion {
		migrate(&sess)
		migrated = true
	}

	if !sess.Valid() {
		log.Printf("storage: clearing structurally invalid session record")
		s.Clear()
		return nil, nil
	}

	// A current-version record can still lack userPreferences (the field
	// is writable out-of-band); preference defaults apply on every load,
	// not only through migration.
	if sess.Preferences == (model.Preferences{}) {
		sess.Preferences = model.DefaultPreferences()
	}

	// The summary is derived; recompute rather than trusting the record.
	sess.RecomputeSummary()

	if migrated {
		if err := s.Save(&sess); err != nil {
			log.Printf("storage: persisting migrated record failed: %v", err)
		}
	}

	return &sess, nil
}

// =============================================================================
// MIGRATION
// =============================================================================

// migrate rewrites a record of any older (or absent) schema version into
// the current shape, filling every missing field with its documented
// default. Migrating an already-complete record changes nothing except
// the version string, which makes the operation idempotent.
func migrate(sess *model.Session) {
	now := time.Now().UnixMilli()

	sess.Version = model.SchemaVersion
	if sess.SessionID == "" {
		fresh := model.NewSession()
		sess.SessionID = fresh.SessionID
	}
	if sess.Created == 0 {
		sess.Created = now
	}
	if sess.LastModified == 0 {
		sess.LastModified = sess.Created
	}
	if sess.Messages == nil {
		sess.Messages = make([]model.Message, 0)
	}
	if sess.Preferences == (model.Preferences{}) {
		sess.Preferences = model.DefaultPreferences()
	}
	sess.RecomputeSummary()
}

// Migrate exposes the migration rewrite for callers holding a decoded
// record, returning the same pointer for convenience.
func Migrate(sess *model.Session) *model.Session {
	if sess.Version != model.SchemaVersion {
		migrate(sess)
	}
	return sess
}

// =============================================================================
// SAVE
// =============================================================================

// Save persists the session. Every message's content is re-sanitized
// before serialization (defense in depth). If the serialized record
// exceeds the size cap, messages are evicted down to the most recent
// KeepRecent and the write is retried once. Save reports failure rather
// than panicking; callers degrade to unpersisted operation.
//
// Save works on a clone: the caller's aggregate is never mutated by
// sanitization or eviction.
func (s *SessionStore) Save(sess *model.Session) error {
	cp := sess.Clone()

	if s.sanitizer != nil {
		for i := range cp.Messages {
			cp.Messages[i].Content = s.sanitizer.SanitizeStored(cp.Messages[i].Role, cp.Messages[i].Content)
		}
	}
	cp.RecomputeSummary()

	data, err := json.Marshal(cp)
	if err != nil {
		return &StoreError{Op: "save", Err: err}
	}

	maxBytes := s.MaxRecordBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRecordBytes
	}

	if len(data) > maxBytes {
		keep := s.KeepRecent
		if keep <= 0 {
			keep = DefaultKeepRecent
		}
		if len(cp.Messages) > keep {
			cp.Messages = append([]model.Message(nil), cp.Messages[len(cp.Messages)-keep:]...)
			cp.RecomputeSummary()
		}
		data, err = json.Marshal(cp)
		if err != nil {
			return &StoreError{Op: "save", Err: err}
		}
		if len(data) > maxBytes {
			return &StoreError{Op: "save", Err: ErrRecordTooLarge}
		}
	}

	if err := util.AtomicWriteFile(s.recordPath(), data, 0600); err != nil {
		return &StoreError{Op: "save", Err: err}
	}
	return nil
}

// TrySave persists the session and reports success as a bool, logging
// the failure. For call sites that only need the degraded-mode signal.
func (s *SessionStore) TrySave(sess *model.Session) bool {
	if err := s.Save(sess); err != nil {
		log.Printf("storage: save failed: %v", err)
		return false
	}
	return true
}

// =============================================================================
// CLEAR
// =============================================================================

// Clear deletes the durable record entirely. Deleting an absent record
// is not an error.
func (s *SessionStore) Clear() error {
	if err := os.Remove(s.recordPath()); err != nil && !os.IsNotExist(err) {
		return &StoreError{Op: "clear", Err: err}
	}
	return nil
}

// =============================================================================
// AVAILABILITY PROBE
// =============================================================================

// Available probes the medium with a throwaway write and delete. The
// controller uses it to decide whether to warn that persistence is
// disabled; a false result never stops the session from operating.
func (s *SessionStore) Available() bool {
	probe := filepath.Join(s.BaseDir, fmt.Sprintf(".probe-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return false
	}
	return os.Remove(probe) == nil
}
