package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// SafeTruncate returns at most maxLen characters of s. It is used when
// logging token and principal identifiers: a short prefix is enough to
// correlate log lines without reproducing the full identifier.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashForLogging creates a short SHA-256 digest of sensitive data for
// logging. The digest is long enough to correlate events for one subject
// but useless for recovering the original value.
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
