// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify turns raw failures into the typed error taxonomy.
package classify

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jeranaias/sessioncore/internal/model"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

// ErrMalformedResponse marks a response body missing required fields.
// The transport wraps it so classification maps the failure to a terminal
// server error rather than the conservative network default.
var ErrMalformedResponse = errors.New("malformed response from assistant endpoint")

// =============================================================================
// BACKOFF POLICY
// =============================================================================

const (
	// backoffBase is the first retry delay; doubles per attempt.
	backoffBase = 1 * time.Second

	// backoffCap bounds the exponential growth.
	backoffCap = 10 * time.Second
)

// RetryDelay returns the backoff delay before the given retry attempt
// (1-based): base * 2^(attempt-1), capped. Jitter is applied by the
// caller so this function stays deterministic and testable.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 30 {
		return backoffCap
	}
	delay := backoffBase * time.Duration(1<<shift)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}

// IsRetryable reports whether the orchestrator (or a manual retry button)
// should try again for this record.
func IsRetryable(rec model.ErrorRecord) bool {
	return rec.Retryable
}

// =============================================================================
// STATUS ERROR INTERFACE
// =============================================================================

// statusCoder is implemented by transport errors carrying an HTTP status.
// Defined as an interface here so classification does not import the
// transport package.
type statusCoder interface {
	HTTPStatus() int
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// logSink receives one line per classified failure. Settable for tests;
// raw error text stops here and never reaches user-facing output.
var logSink = log.Printf

// SetLogSink replaces the classifier's log function. Passing nil restores
// the default.
func SetLogSink(fn func(format string, v ...any)) {
	if fn == nil {
		logSink = log.Printf
		return
	}
	logSink = fn
}

// Classify maps a raw failure to a typed ErrorRecord. It is total: any
// non-nil error produces a well-formed record, and unrecognized failures
// default to a retryable network error since most such failures are
// transient. Classify logs once per call and never panics.
func Classify(err error) model.ErrorRecord {
	rec := model.ErrorRecord{
		Kind:      model.ErrNetwork,
		Retryable: true,
		Timestamp: time.Now().UnixMilli(),
	}
	if err == nil {
		return rec
	}

	switch {
	case errors.Is(err, context.Canceled):
		// An aborted request is not a transport fault and must not be
		// retried: the caller abandoned it on purpose.
		rec.Kind = model.ErrNetwork
		rec.Retryable = false
		rec.Message = "request cancelled"

	case errors.Is(err, context.DeadlineExceeded):
		rec.Kind = model.ErrTimeout
		rec.Retryable = true
		rec.Message = "request timed out"

	case errors.Is(err, ErrMalformedResponse):
		rec.Kind = model.ErrServer
		rec.Retryable = false
		rec.Message = "invalid response shape"

	default:
		if sc, ok := statusOf(err); ok {
			rec.Kind = model.ErrServer
			rec.Code = sc
			rec.Retryable = sc == http.StatusTooManyRequests || sc >= 500
			rec.Message = http.StatusText(sc)
			break
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				rec.Kind = model.ErrTimeout
			} else {
				rec.Kind = model.ErrNetwork
			}
			rec.Retryable = true
			rec.Message = "network failure"
			break
		}
		// Conservative default: unknown failures are treated as transient
		// network trouble.
		rec.Message = "unrecognized failure"
	}

	logSink("classify: kind=%s code=%d retryable=%v err=%v", rec.Kind, rec.Code, rec.Retryable, err)
	return rec
}

// ClassifyStorage maps a persistence failure. Storage errors are never
// retryable: the session degrades to unpersisted operation instead.
func ClassifyStorage(err error) model.ErrorRecord {
	rec := model.ErrorRecord{
		Kind:      model.ErrStorage,
		Message:   "persistence unavailable",
		Timestamp: time.Now().UnixMilli(),
	}
	logSink("classify: kind=%s retryable=false err=%v", rec.Kind, err)
	return rec
}

// statusOf extracts an HTTP status from the error chain.
func statusOf(err error) (int, bool) {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus(), true
	}
	return 0, false
}

// =============================================================================
// USER-FACING TEXT
// =============================================================================

// userMessages holds the fixed template per kind. Raw exception text is
// deliberately absent: it lives in the log sink only.
var userMessages = map[model.ErrorKind]string{
	model.ErrNetwork:    "We couldn't reach the assistant. Check your connection and try again.",
	model.ErrTimeout:    "The assistant took too long to respond. Please try again.",
	model.ErrServer:     "The assistant service had a problem handling your request. Please try again shortly.",
	model.ErrValidation: "Your message couldn't be sent as written. Please revise it and try again.",
	model.ErrStorage:    "Your conversation can't be saved right now. You can keep chatting, but history may be lost on reload.",
}

// UserMessage renders the user-facing text for a record: a fixed template
// per kind plus retry guidance, never raw error detail.
func UserMessage(rec model.ErrorRecord) string {
	msg, ok := userMessages[rec.Kind]
	if !ok {
		msg = userMessages[model.ErrNetwork]
	}
	if rec.Retryable {
		return msg + " This usually resolves itself; retrying may help."
	}
	return msg
}
