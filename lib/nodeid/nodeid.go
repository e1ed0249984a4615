// Package nodeid validates and extracts the 16-character lowercase hex
// prefix that every sender-scoped component (store queries, breaker file
// names, log tags) uses in place of a full node id. A value that fails
// validation is never used as a path, SQL key, or log tag — callers treat
// an invalid id as "unknown sender" and stop, per spec.
package nodeid

import "strings"

// PrefixLength is the fixed length of a validated node id prefix.
const PrefixLength = 16

// Valid reports whether s is exactly PrefixLength lowercase hex
// characters. Trust tier entries, breaker targets, and cache keys are
// all validated against this rule.
func Valid(s string) bool {
	if len(s) != PrefixLength {
		return false
	}
	for _, r := range s {
		if !isLowerHex(r) {
			return false
		}
	}
	return true
}

func isLowerHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
}

// Prefix extracts the validated 16-hex prefix from a full node id. A
// full node id must be at least PrefixLength characters and its first
// PrefixLength characters must be lowercase hex; anything else (too
// short, uppercase, non-hex) is rejected.
func Prefix(fullID string) (string, bool) {
	if len(fullID) < PrefixLength {
		return "", false
	}
	candidate := fullID[:PrefixLength]
	if !Valid(candidate) {
		return "", false
	}
	return candidate, true
}

// ValidTarget reports whether target is an acceptable breaker target:
// either the literal string "global" or a validated 16-hex prefix. This
// is the single gate that prevents path traversal through breaker file
// names (§3 invariant: breaker files are rejected if target fails this
// check).
func ValidTarget(target string) bool {
	if target == "global" {
		return true
	}
	return Valid(target)
}

// HasPrefix reports whether fullID's validated prefix equals configured
// exactly, or configured is itself a valid prefix of fullID's first
// PrefixLength characters. Used by trust tier resolution, which matches
// sender prefixes against configured tier entries.
func HasPrefix(fullID, configured string) bool {
	if !Valid(configured) {
		return false
	}
	prefix, ok := Prefix(fullID)
	if !ok {
		return false
	}
	return strings.HasPrefix(prefix, configured)
}
