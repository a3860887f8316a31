// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify turns raw failures into the typed error taxonomy.
//
// Every network, server and storage failure crosses this package exactly
// once before reaching the controller. The output is a model.ErrorRecord
// with a closed kind set and a retryability verdict; the same policy
// drives the orchestrator's automatic retries and any manual retry the
// presentation layer offers, so the two can never disagree.
//
// User-facing text comes from UserMessage and never contains raw error
// strings, stack traces, or internal identifiers; those go to the log
// sink only.
package classify
