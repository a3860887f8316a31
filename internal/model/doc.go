// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
//
// This package defines the core domain types used throughout the engine
// for representing a conversation session, its messages, user preferences,
// and the ephemeral validation/error records that flow between components.
//
// # Key Types
//
//   - Session: Durable conversation aggregate (messages + preferences + versioning)
//   - Message: Single message with role, content, timestamp, and optional metadata
//   - Role: Message role enumeration (user, assistant, system, error)
//   - ValidationResult: Per-input validation outcome, never persisted
//   - ErrorRecord: Typed classification of one failure, never persisted
//
// # Usage
//
// Create a new session and append a message:
//
//	sess := model.NewSession()
//	sess.Append(model.NewUserMessage("Hello!"))
package model
