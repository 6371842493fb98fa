// Package util provides small internal helpers for safe logging of
// sensitive identifiers. It is internal because the truncation and hashing
// choices here are tuned for log hygiene, not for general use.
package util
