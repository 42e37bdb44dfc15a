// ABOUTME: SQL helper functions for query construction and ticket fingerprinting.
// ABOUTME: Utilities for escaping LIKE patterns and hashing tickets before they are stored.

package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// escapeSQLLike escapes SQL LIKE pattern special characters.
// The backslash must be escaped first to avoid double-escaping.
func escapeSQLLike(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "\\\\")
	pattern = strings.ReplaceAll(pattern, "%", "\\%")
	pattern = strings.ReplaceAll(pattern, "_", "\\_")
	return pattern
}

// Fingerprint returns a short stable digest of ticket. Raw tickets are never persisted.
// An empty ticket has an empty fingerprint.
func Fingerprint(ticket string) string {
	if ticket == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ticket))
	return hex.EncodeToString(sum[:8])
}
