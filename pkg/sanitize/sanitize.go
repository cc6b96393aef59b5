// Package sanitize bounds and cleans every externally sourced string before it
// reaches logs, mail bodies, or the persisted check result.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

const ellipsis = "..."

// StripControl removes ASCII control characters (U+0000..U+001F and U+007F).
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// CollapseSpace replaces runs of whitespace with a single space and trims the
// result.
func CollapseSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Clean strips control characters and collapses whitespace. Suitable for log
// lines and mail bodies.
func Clean(s string) string {
	return CollapseSpace(StripControl(s))
}

// Hostname strips control characters, drops all whitespace, lowercases, and
// removes a trailing dot. DNS names never legitimately contain whitespace.
func Hostname(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSuffix(strings.ToLower(cleaned), ".")
}

// Truncate caps s at max bytes, replacing the tail with an ellipsis. The
// result never exceeds max bytes, so Truncate is idempotent for max > 3.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return s[:max]
	}
	return s[:max-len(ellipsis)] + ellipsis
}

// Message cleans and caps a string destined for a client-visible error or a
// persisted fail_reason.
func Message(s string, max int) string {
	return Truncate(Clean(s), max)
}

// Body strips control characters except newlines and caps the length.
// Multi-line mail bodies keep their layout.
func Body(s string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	return Truncate(cleaned, max)
}

// Header strips CR and LF so attacker-controlled values cannot inject mail
// headers.
func Header(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return StripControl(s)
}

// CappedList is a bounded view of a record list. When any cap applied, Hash
// carries a SHA-256 of the originals for forensic comparison.
type CappedList struct {
	Values    []string `json:"values"`
	Total     int      `json:"total"`
	Truncated bool     `json:"truncated"`
	Hash      string   `json:"hash,omitempty"`
}

// CapList bounds a record list to maxItems entries of at most maxLen bytes
// each. The hash is computed over the pre-truncation originals joined with
// newlines, and only attached when something was actually cut.
func CapList(values []string, maxItems, maxLen int) CappedList {
	out := CappedList{Total: len(values)}

	kept := values
	if maxItems > 0 && len(values) > maxItems {
		kept = values[:maxItems]
		out.Truncated = true
	}

	out.Values = make([]string, len(kept))
	for i, v := range kept {
		cleaned := StripControl(v)
		capped := Truncate(cleaned, maxLen)
		if capped != v {
			out.Truncated = true
		}
		out.Values[i] = capped
	}

	if out.Truncated {
		out.Hash = HashLines(values)
	}
	return out
}

// HashLines returns the hex SHA-256 of the values joined with newlines.
func HashLines(values []string) string {
	sum := sha256.Sum256([]byte(strings.Join(values, "\n")))
	return hex.EncodeToString(sum[:])
}
