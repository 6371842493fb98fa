// Package valkey provides a Valkey storage backend for the trustcore library.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements all storage interfaces required by the
// trustcore library, making it suitable for production deployments that
// require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.PrincipalStore]: Principal identities and ref lookups
//   - [storage.TokenStore]: Session tokens and the revocation set
//   - [storage.LockoutStore]: Brute-force lockout counters
//   - [storage.CounterStore]: Fixed-window rate counters
//   - [storage.AuditStore]: The hash-chained audit ledger
//
// # Key Schema
//
// All keys use a configurable prefix (default "trust:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}principal:{id}                        -> JSON(Principal)
//	{prefix}principal:ref:{ref}                   -> principalID (reverse lookup)
//	{prefix}principal:sessions:{id}               -> SET of tokenIDs
//	{prefix}session:{tokenID}                     -> JSON(SessionToken) (with TTL)
//	{prefix}session:secret:{hash}                 -> tokenID (with TTL)
//	{prefix}revoked:{tokenID}                     -> marker (with TTL)
//	{prefix}lockout:{principalID}                 -> HASH{count, window_start, lock_until}
//	{prefix}counter:{class}:{identity}:{winstart} -> count (with TTL)
//	{prefix}audit:head                            -> JSON{seq, hash}
//	{prefix}audit:log                             -> LIST of JSON(AuditRecord)
//
// # Atomic Operations
//
// Security-critical paths must be atomic to hold their guarantees under
// concurrency:
//
//   - RecordFailure: concurrent failed logins must never undercount, or a
//     brute-force attacker could stay below the lockout threshold
//   - IncrementWindow: the rate ceiling must see every request in the window
//   - AppendAudit: two appends must never link to the same chain predecessor
//
// These operations use Lua scripts to ensure atomicity in Valkey, providing
// the same guarantees as the in-memory implementation but with distributed
// storage benefits.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "trust:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "trust:",
//	})
//
// # Security Considerations
//
//   - Session and revocation keys carry TTLs to prevent unbounded growth
//   - Lua scripts ensure atomic operations for security-critical paths
//   - Generic not-found errors prevent principal and token enumeration
//   - TLS support enables encrypted connections to Valkey servers
//   - Input size validation prevents abuse via oversized keys
//
// # Best Practices
//
//   - Always use TLS in production environments
//   - Set strong passwords for Valkey authentication
//   - Use dedicated Valkey instances or databases for trustcore storage
//   - Monitor key count and memory usage for potential DoS attacks
package valkey
