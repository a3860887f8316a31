// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"github.com/jeranaias/sessioncore/internal/model"
	"github.com/jeranaias/sessioncore/internal/util"
)

// =============================================================================
// SANITIZER POLICIES
// =============================================================================

// sanitizePolicy wraps a compiled bluemonday policy. Policies are built
// once at Validator construction and are safe for concurrent use.
type sanitizePolicy struct {
	policy *bluemonday.Policy
}

// newStrictPolicy builds the user-input policy: paragraph and line-break
// structure only. The content of script-like elements is dropped entirely
// rather than unwrapped into text.
func newStrictPolicy() *sanitizePolicy {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br")
	p.SkipElementsContent("script", "style", "iframe", "object", "embed", "form")
	return &sanitizePolicy{policy: p}
}

// newRemotePolicy builds the assistant-content policy: a broader allow-list
// for rendered replies, still rejecting scripts, event handlers and
// dangerous URL schemes.
//
// Link policy: schemes restricted to http(s)/mailto/tel, relative and
// fragment URLs accepted, everything else must parse or is dropped.
// Fully qualified links are rewritten to open in a new tab without
// leaking the referrer.
func newRemotePolicy() *sanitizePolicy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"h1", "h2", "h3", "h4", "h5", "h6",
		"p", "br", "hr",
		"ul", "ol", "li",
		"em", "strong", "b", "i",
		"code", "pre",
		"blockquote",
	)
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto", "tel")
	p.RequireParseableURLs(true)
	p.AllowRelativeURLs(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.SkipElementsContent("script", "style", "iframe", "object", "embed", "form")
	return &sanitizePolicy{policy: p}
}

// =============================================================================
// NEUTRALIZATION HELPERS
// =============================================================================

// dangerousScheme matches URL-scheme prefixes that must never survive
// sanitization, even as plain text a renderer might later linkify.
var dangerousScheme = regexp.MustCompile(`(?i)\b(javascript|vbscript|data)\s*:`)

// stripControl removes control characters, keeping newlines and tabs for
// the whitespace normalizer to deal with.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// neutralizeSchemes defuses dangerous URL-scheme prefixes by dropping the
// colon, leaving the scheme name as inert text.
func neutralizeSchemes(s string) string {
	return dangerousScheme.ReplaceAllString(s, "$1")
}

// stripUnsafeResidue removes any text still matching the unsafe-content
// table. This is the last line of defense that makes PrepareInput closed
// under the unsafe check: whatever it emits, Validate will not flag it.
func stripUnsafeResidue(s string) string {
	for _, p := range unsafePatterns {
		s = p.pattern.ReplaceAllString(s, "")
	}
	return s
}

// normalizeWhitespace collapses runs of spaces and tabs, trims every
// line, and caps consecutive blank lines at one.
func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blanks := 0
	for _, line := range lines {
		line = strings.TrimSpace(whitespaceRun.ReplaceAllString(line, " "))
		if line == "" {
			blanks++
			if blanks > 1 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// =============================================================================
// SANITIZATION ENTRY POINTS
// =============================================================================

// PrepareInput sanitizes a user draft for storage and display. The output
// is always markup-safe, whitespace-normalized, and hard-truncated to the
// configured maximum as a last-resort safety net. PrepareInput never emits
// content that would fail the unsafe-content check.
func (v *Validator) PrepareInput(raw string) string {
	s := stripControl(raw)
	s = neutralizeSchemes(s)
	s = v.strictPolicy.policy.Sanitize(s)
	s = stripUnsafeResidue(s)
	s = normalizeWhitespace(s)
	return util.TruncateRunesNoEllipsis(s, v.limits.MaxLength)
}

// SanitizeRemote sanitizes assistant content received from the remote
// endpoint through the permissive allow-list policy. Remote content is
// untrusted: a compromised or buggy backend must not be able to inject
// markup past this boundary.
func (v *Validator) SanitizeRemote(raw string) string {
	s := stripControl(raw)
	return strings.TrimSpace(v.remotePolicy.policy.Sanitize(s))
}

// SanitizeStored re-sanitizes persisted message content by role. The store
// applies this on every save as defense in depth: the durable medium is
// writable out-of-band, so data read back or about to be written is never
// assumed clean.
func (v *Validator) SanitizeStored(role model.Role, content string) string {
	if role == model.RoleAssistant {
		return v.SanitizeRemote(content)
	}
	s := stripControl(content)
	s = neutralizeSchemes(s)
	s = v.strictPolicy.policy.Sanitize(s)
	return stripUnsafeResidue(s)
}
