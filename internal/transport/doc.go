// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport sends user messages to the assistant endpoint and
// decodes the replies.
//
// The client owns the whole request lifecycle: payload assembly, the
// overall deadline, retry with exponential backoff on transient
// failures, and shape validation of the response body. Only one request
// is in flight at a time; submitting a new message cancels and
// supersedes the previous one, so a stale reply can never land after a
// newer send.
//
// # Key Types
//
//   - Client: the request orchestrator. Create with NewClient, tune
//     with the With* methods, send with Send.
//   - Payload / Response: the wire shapes. A Response missing required
//     fields is rejected before it reaches any caller.
//   - StatusError: a non-2xx outcome carrying the HTTP status code.
//
// # Usage
//
//	client := transport.NewClient("https://api.example.gov/chat")
//	resp, err := client.Send(ctx, transport.Payload{
//		Message:   "hello",
//		SessionID: sess.SessionID,
//	})
package transport
