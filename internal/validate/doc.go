// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate is the trust boundary between raw text and the session.
//
// Untrusted user drafts and untrusted remote responses both pass through
// this package before they are stored or handed to the presentation layer.
// Validation is pure and total: it never panics and always returns a
// well-formed result, reporting every violated rule rather than stopping
// at the first.
//
// # Key Types
//
//   - Limits: Tunable rule thresholds (length cap, warning tiers, heuristics)
//   - Validator: Constructed boundary instance holding compiled policies
//
// # Sanitizers
//
// Two allow-list sanitizers with different trust assumptions:
//
//   - PrepareInput: strict, for user drafts. Paragraph/line-break structure
//     only, whitespace normalization, hard length cap.
//   - SanitizeRemote: permissive, for assistant replies. Headings, lists,
//     emphasis, code, links and block quotes survive; scripts, event
//     handlers and dangerous URL schemes never do.
//
// There is no package-level singleton: callers construct a Validator and
// pass it where it is needed.
package validate
