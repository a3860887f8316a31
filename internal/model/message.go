// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message. The set is closed: anything
// outside it fails structural validation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Known reports whether the role belongs to the closed role set.
func (r Role) Known() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleError:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleError:
		return "Error"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a session. Messages are immutable
// once created; assistant replies are appended as new records, never merged
// into existing ones.
type Message struct {
	// Identity
	ID        string `json:"id"`
	Role      Role   `json:"role"`
	Timestamp int64  `json:"timestamp"` // milliseconds since epoch

	// Content is sanitized before it ever reaches this struct; the raw
	// user draft or remote body never crosses the validate boundary intact.
	Content string `json:"content"`

	// Metadata is present on assistant messages only.
	Metadata *MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata carries response details attached to assistant messages.
type MessageMetadata struct {
	RequestID        string   `json:"request_id,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"` // in [0,1]
	Sources          []string `json:"sources,omitempty"`
}

// NewMessage creates a new message with a generated ID and current timestamp.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        generateMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantMessage creates a new assistant message carrying response metadata.
func NewAssistantMessage(content string, meta *MessageMetadata) Message {
	msg := NewMessage(RoleAssistant, content)
	msg.Metadata = meta
	return msg
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return NewMessage(RoleSystem, content)
}

// NewErrorMessage creates a new error-role message with user-facing text.
func NewErrorMessage(content string) Message {
	return NewMessage(RoleError, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// Valid reports whether the message is structurally sound. The store
// refuses to surface persisted records containing invalid messages.
func (m *Message) Valid() bool {
	if m.ID == "" || !m.Role.Known() {
		return false
	}
	if m.Timestamp < 0 {
		return false
	}
	if m.Metadata != nil {
		if m.Metadata.Confidence < 0 || m.Metadata.Confidence > 1 {
			return false
		}
	}
	return true
}

// Time returns the message timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateMessageID creates a unique message ID.
func generateMessageID() string {
	return "msg_" + uuid.NewString()
}
