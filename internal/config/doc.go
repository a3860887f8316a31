// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// session engine.
//
// Supports both TOML and JSON configuration formats, with sensible
// defaults, environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.sessioncore/config.toml
//   - ~/.sessioncore/config.json
//   - Built-in defaults
//
// Environment variables prefixed SESSIONCORE_ override file values.
// Watch re-loads the file on change via fsnotify; invalid edits are
// logged and ignored, keeping the last good configuration active.
package config
