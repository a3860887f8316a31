// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate is the trust boundary between raw text and the session.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/jeranaias/sessioncore/internal/model"
)

// =============================================================================
// LIMITS
// =============================================================================

// Limits holds the tunable validation thresholds. The warning tiers and
// readability heuristics are product choices, not correctness requirements,
// so they live here rather than as hard-coded invariants.
type Limits struct {
	// MaxLength is the accepted input length in runes. Exceeding it is a
	// validation error, never a silent truncation.
	MaxLength int

	// WarnRatio and CriticalRatio are advisory tiers relative to MaxLength.
	// They produce warnings only and never block sending.
	WarnRatio     float64
	CriticalRatio float64

	// Readability heuristics, warnings only.
	MaxWhitespaceRatio       float64 // fraction of whitespace runes
	MaxLineLength            int     // single-line length in runes
	MaxConsecutiveWhitespace int     // run of spaces/tabs
	MaxConsecutiveBlankLines int
}

// DefaultLimits returns the default validation thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxLength:                4000,
		WarnRatio:                0.875,
		CriticalRatio:            0.95,
		MaxWhitespaceRatio:       0.30,
		MaxLineLength:            200,
		MaxConsecutiveWhitespace: 8,
		MaxConsecutiveBlankLines: 1,
	}
}

// normalize fills zero fields with defaults and clamps nonsense values so
// a partially-populated Limits never produces a validator that rejects
// everything.
func (l Limits) normalize() Limits {
	def := DefaultLimits()
	if l.MaxLength <= 0 {
		l.MaxLength = def.MaxLength
	}
	if l.WarnRatio <= 0 || l.WarnRatio > 1 {
		l.WarnRatio = def.WarnRatio
	}
	if l.CriticalRatio <= 0 || l.CriticalRatio > 1 {
		l.CriticalRatio = def.CriticalRatio
	}
	if l.MaxWhitespaceRatio <= 0 || l.MaxWhitespaceRatio >= 1 {
		l.MaxWhitespaceRatio = def.MaxWhitespaceRatio
	}
	if l.MaxLineLength <= 0 {
		l.MaxLineLength = def.MaxLineLength
	}
	if l.MaxConsecutiveWhitespace <= 0 {
		l.MaxConsecutiveWhitespace = def.MaxConsecutiveWhitespace
	}
	if l.MaxConsecutiveBlankLines <= 0 {
		l.MaxConsecutiveBlankLines = def.MaxConsecutiveBlankLines
	}
	return l
}

// =============================================================================
// UNSAFE CONTENT PATTERNS
// =============================================================================

// unsafePattern pairs a human-readable rule name with its compiled check.
type unsafePattern struct {
	name    string
	pattern *regexp.Regexp
}

// unsafePatterns is the fixed table of markup injection checks. Any match
// is a blocking validation error, independent of every other rule.
var unsafePatterns = []unsafePattern{
	{"script tag", regexp.MustCompile(`(?i)<\s*/?\s*script\b`)},
	{"event handler attribute", regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)},
	{"dangerous URL scheme", regexp.MustCompile(`(?i)\b(?:javascript|vbscript|data)\s*:`)},
	{"embedded content tag", regexp.MustCompile(`(?i)<\s*(?:iframe|object|embed|form)\b`)},
	{"CSS expression", regexp.MustCompile(`(?i)\bexpression\s*\(`)},
	{"CSS url reference", regexp.MustCompile(`(?i)\burl\s*\(`)},
	{"CSS import", regexp.MustCompile(`(?i)@import\b|\bimport\s*\(`)},
}

// whitespaceRun matches runs of spaces and tabs for the readability check.
var whitespaceRun = regexp.MustCompile(`[ \t]+`)

// =============================================================================
// VALIDATOR
// =============================================================================

// Validator is a constructed validation boundary instance. It is safe for
// concurrent use; all state is immutable after construction.
type Validator struct {
	limits Limits

	strictPolicy *sanitizePolicy
	remotePolicy *sanitizePolicy
}

// New creates a Validator with the given limits. Zero-value fields fall
// back to defaults.
func New(limits Limits) *Validator {
	return &Validator{
		limits:       limits.normalize(),
		strictPolicy: newStrictPolicy(),
		remotePolicy: newRemotePolicy(),
	}
}

// Limits returns the thresholds the validator was constructed with.
func (v *Validator) Limits() Limits {
	return v.limits
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate classifies one raw input. It is pure and total: every rule is
// evaluated (no short-circuiting) so all violations are reported, and it
// never panics regardless of input.
func (v *Validator) Validate(raw string) model.ValidationResult {
	runes := []rune(raw)
	count := len(runes)
	trimmed := strings.TrimSpace(raw)

	var errs []string
	var warns []string

	// Length cap. An over-limit draft is an error at validation time, not
	// a silent truncation.
	if count > v.limits.MaxLength {
		errs = append(errs, fmt.Sprintf(
			"message exceeds the %d character limit (%d characters)",
			v.limits.MaxLength, count))
	}

	// Emptiness, independent of the length check.
	if len(trimmed) == 0 {
		errs = append(errs, "message is empty")
	}

	// Advisory threshold tiers. Never block sending.
	switch {
	case count <= v.limits.MaxLength && float64(count) >= v.limits.CriticalRatio*float64(v.limits.MaxLength):
		warns = append(warns, fmt.Sprintf(
			"message is almost at the %d character limit", v.limits.MaxLength))
	case count <= v.limits.MaxLength && float64(count) >= v.limits.WarnRatio*float64(v.limits.MaxLength):
		warns = append(warns, fmt.Sprintf(
			"message is approaching the %d character limit", v.limits.MaxLength))
	}

	// Unsafe content. Every matching pattern is reported.
	for _, p := range unsafePatterns {
		if p.pattern.MatchString(raw) {
			errs = append(errs, "unsafe content: "+p.name)
		}
	}

	// Readability heuristics, warnings only.
	warns = append(warns, v.readabilityWarnings(raw, runes)...)

	valid := len(errs) == 0
	return model.ValidationResult{
		IsValid:        valid,
		Errors:         errs,
		Warnings:       warns,
		CharacterCount: count,
		CanSend:        valid && count > 0,
	}
}

// CanSend reports whether the raw input would be accepted by Submit.
func (v *Validator) CanSend(raw string) bool {
	return v.Validate(raw).CanSend
}

// readabilityWarnings applies the whitespace heuristics.
func (v *Validator) readabilityWarnings(raw string, runes []rune) []string {
	var warns []string

	// Excess consecutive spaces/tabs.
	for _, run := range whitespaceRun.FindAllString(raw, -1) {
		if len(run) > v.limits.MaxConsecutiveWhitespace {
			warns = append(warns, "excess consecutive whitespace")
			break
		}
	}

	// Excess consecutive blank lines.
	if maxBlankRun(raw) > v.limits.MaxConsecutiveBlankLines {
		warns = append(warns, "excess blank lines")
	}

	// Overall whitespace ratio.
	if len(runes) > 0 {
		var ws int
		for _, r := range runes {
			if unicode.IsSpace(r) {
				ws++
			}
		}
		if float64(ws)/float64(len(runes)) > v.limits.MaxWhitespaceRatio {
			warns = append(warns, "message is mostly whitespace")
		}
	}

	// Long single lines.
	for _, line := range strings.Split(raw, "\n") {
		if len([]rune(line)) > v.limits.MaxLineLength {
			warns = append(warns, fmt.Sprintf(
				"line longer than %d characters", v.limits.MaxLineLength))
			break
		}
	}

	return warns
}

// maxBlankRun returns the longest run of consecutive blank lines.
func maxBlankRun(raw string) int {
	var run, longest int
	for _, line := range strings.Split(raw, "\n") {
		if strings.TrimSpace(line) == "" {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	return longest
}
