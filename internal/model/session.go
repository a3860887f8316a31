// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is the current shape of the durable session record.
// Records carrying any other version are migrated on load.
const SchemaVersion = "2.0"

// =============================================================================
// PREFERENCES TYPE
// =============================================================================

// Preferences is the fixed enumerated record of user-facing settings
// persisted alongside the conversation. It is not a free-form map.
type Preferences struct {
	Theme         string `json:"theme"`
	FontSize      string `json:"font_size"`
	AutoScroll    bool   `json:"auto_scroll"`
	Language      string `json:"language"`
	ReducedMotion bool   `json:"reduced_motion"`
}

// DefaultPreferences returns the documented preference defaults used when
// a record is created fresh or migrated from an older shape.
func DefaultPreferences() Preferences {
	return Preferences{
		Theme:      "light",
		FontSize:   "medium",
		AutoScroll: true,
		Language:   "en",
	}
}

// =============================================================================
// SESSION SUMMARY
// =============================================================================

// SessionSummary holds derived counters persisted with the record.
// It is never the source of truth; RecomputeSummary rebuilds it from
// the message sequence.
type SessionSummary struct {
	TotalMessages       int   `json:"total_messages"`
	TotalCharacters     int   `json:"total_characters"`
	AverageResponseTime int64 `json:"average_response_time"` // milliseconds
}

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is the durable conversation aggregate. Its JSON form is exactly
// the versioned record written to the persistence medium.
type Session struct {
	Version      string         `json:"version"`
	SessionID    string         `json:"sessionId"`
	Created      int64          `json:"created"`      // milliseconds since epoch
	LastModified int64          `json:"lastModified"` // updated on every mutation
	Messages     []Message      `json:"messages"`
	Preferences  Preferences    `json:"userPreferences"`
	Summary      SessionSummary `json:"metadata"`
}

// NewSession creates a fresh, empty session with a new ID.
func NewSession() *Session {
	now := time.Now().UnixMilli()
	return &Session{
		Version:      SchemaVersion,
		SessionID:    generateSessionID(),
		Created:      now,
		LastModified: now,
		Messages:     make([]Message, 0),
		Preferences:  DefaultPreferences(),
	}
}

// =============================================================================
// SESSION METHODS
// =============================================================================

// Append adds a message to the session, keeping LastModified and the
// derived summary consistent. The message sequence is append-only; the
// only operation that removes messages is an explicit clear or the
// store's size-cap eviction.
func (s *Session) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.Touch()
	s.RecomputeSummary()
}

// Touch updates the last-modified timestamp.
func (s *Session) Touch() {
	s.LastModified = time.Now().UnixMilli()
}

// RecomputeSummary rebuilds the derived counters from the messages.
func (s *Session) RecomputeSummary() {
	var chars int
	var respTotal int64
	var respCount int64

	for i := range s.Messages {
		chars += len([]rune(s.Messages[i].Content))
		if meta := s.Messages[i].Metadata; meta != nil && meta.ProcessingTimeMs > 0 {
			respTotal += meta.ProcessingTimeMs
			respCount++
		}
	}

	s.Summary = SessionSummary{
		TotalMessages:   len(s.Messages),
		TotalCharacters: chars,
	}
	if respCount > 0 {
		s.Summary.AverageResponseTime = respTotal / respCount
	}
}

// Valid reports whether the session is structurally sound: required
// identity fields present, version recognized as migratable, and every
// message passing structural validation.
func (s *Session) Valid() bool {
	if s.SessionID == "" || s.Messages == nil {
		return false
	}
	for i := range s.Messages {
		if !s.Messages[i].Valid() {
			return false
		}
	}
	return true
}

// Recent returns the most recent n messages (all of them when n exceeds
// the message count). The returned slice aliases the session's backing
// array and must not be mutated.
func (s *Session) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	if n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Title returns a short label for the session derived from the first
// user message, or a placeholder when none exists.
func (s *Session) Title() string {
	for i := range s.Messages {
		if s.Messages[i].Role == RoleUser && s.Messages[i].Content != "" {
			return s.Messages[i].Preview(50)
		}
	}
	return "New conversation"
}

// Clone returns a deep copy of the session. The store mutates its copy
// during defensive re-sanitization and eviction without touching the
// controller-owned aggregate.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	for i := range cp.Messages {
		if meta := cp.Messages[i].Metadata; meta != nil {
			metaCopy := *meta
			metaCopy.Sources = append([]string(nil), meta.Sources...)
			cp.Messages[i].Metadata = &metaCopy
		}
	}
	return &cp
}

// =============================================================================
// VALIDATION RESULT
// =============================================================================

// ValidationResult is the outcome of validating one raw input. It is
// computed per input event and never persisted.
type ValidationResult struct {
	IsValid        bool
	Errors         []string
	Warnings       []string
	CharacterCount int
	CanSend        bool // IsValid && CharacterCount > 0
}

// =============================================================================
// ERROR RECORD
// =============================================================================

// ErrorKind is the closed failure taxonomy.
type ErrorKind string

const (
	ErrNetwork    ErrorKind = "network"
	ErrTimeout    ErrorKind = "timeout"
	ErrServer     ErrorKind = "server"
	ErrValidation ErrorKind = "validation"
	ErrStorage    ErrorKind = "storage"
)

// ErrorRecord is the typed classification of one failure. It is logged
// and optionally surfaced as an error-role message, never stored in the
// session record.
type ErrorRecord struct {
	Kind      ErrorKind
	Message   string
	Code      int // HTTP status when applicable, zero otherwise
	Timestamp int64
	Retryable bool
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateSessionID creates a unique session ID.
func generateSessionID() string {
	return "sess_" + uuid.NewString()
}
