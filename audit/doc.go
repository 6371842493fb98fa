// Package audit implements the append-only, hash-chained security event
// ledger. Every entry embeds the hash of its predecessor, so deletion,
// reordering, or edits of committed history become cryptographically
// evident. The package makes tampering detectable, not impossible: the
// backing store is assumed to be writable by an attacker with storage
// access, and Verify is the mechanism that exposes such writes.
package audit
