// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session composes the engine: it owns the conversation
// aggregate and drives it through the submission lifecycle
// (draft, validated, optimistic append, sent, resolved or failed).
//
// The controller never touches rendering. Anything a presentation layer
// needs to react to arrives through the Events callbacks: a message
// appended, a send failure with the retained input, the typing
// indicator flipping, the session being cleared. Callbacks are invoked
// outside the controller's lock and must not call back into it.
//
// # Key Types
//
//   - Controller: the composition root. Submit, Retry, Clear.
//   - Events: presentation callbacks.
//   - ActivityTracker: idle-timeout, warning, and auto-save bookkeeping
//     driven by a periodic Check.
//
// # Usage
//
//	ctrl, err := session.New(session.DefaultConfig(), validator, store, client, session.Events{
//		OnMessageAdded: func(msg model.Message) { render(msg) },
//	})
//	...
//	if err := ctrl.Submit(userDraft); err != nil { ... }
package session
