// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable session persistence.
//
// The durable medium is a single versioned JSON record under a well-known
// path in the engine's state directory, written atomically. This package
// is the only component permitted to touch that medium; everything else
// goes through the SessionStore API.
//
// # Failure policy
//
// The store fails closed: a corrupted record is cleared and reported as
// absent rather than surfaced. Records with an older schema version are
// migrated in place on load. Save failures are reported, never thrown;
// the in-memory session keeps operating unpersisted.
//
// # Size bounds
//
// The serialized record is capped (default 5 MB). When a save exceeds the
// cap, the oldest messages are evicted down to the most recent window and
// the write is retried once.
package storage
