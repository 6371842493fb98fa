// Package security provides the security primitives of the trust core:
// authenticated encryption with versioned keys, credential hashing, windowed
// and token-bucket rate limiting, threat signature inspection, and secure
// handling of client network identity.
package security
