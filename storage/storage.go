// Package storage defines interfaces for persisting principals, session
// tokens, lockout state, rate counters, and audit records.
// It supports various backend implementations including in-memory, Valkey,
// and Postgres. The core treats every backend as a dumb durable map and owns
// all consistency logic itself; the operations that must be atomic in the
// backend are called out on the individual methods.
package storage

import (
	"context"
	"time"
)

// TokenStatus is the lifecycle state of a session token.
// Revoked and expiry are both terminal; no transition leaves them.
type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenRevoked TokenStatus = "revoked"
)

// Principal is a user identity. The credential is stored only as a bcrypt
// hash; principals are soft-disabled rather than deleted so audit references
// stay resolvable.
type Principal struct {
	ID             string
	Ref            string // login identifier (email or username)
	CredentialHash string // bcrypt hash, never plaintext
	Disabled       bool
	LastSuccessAt  time.Time
	CreatedAt      time.Time
}

// SessionToken is an opaque bearer credential. SecretHash is the SHA-256 of
// the random secret handed to the client; the raw secret is never persisted.
type SessionToken struct {
	ID          string
	PrincipalID string
	SecretHash  string
	Fingerprint string // client IP/device binding captured at issuance
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Status      TokenStatus
}

// LockoutRecord tracks consecutive authentication failures for one
// principal. LockUntil is nil while the account is not locked. Staleness is
// resolved at read time; there is no background timer.
type LockoutRecord struct {
	FailureCount int
	WindowStart  time.Time
	LockUntil    *time.Time
}

// AuditRecord is one committed entry of the hash-chained audit ledger.
// Records are append-only: no field is ever mutated after AppendAudit
// persists it.
type AuditRecord struct {
	Seq       uint64
	Timestamp time.Time
	ActorID   string
	Kind      string
	Payload   string
	PrevHash  string
	Hash      string
}

// PrincipalStore persists principal identities.
// All methods accept context.Context for tracing and cancellation.
type PrincipalStore interface {
	// SavePrincipal creates or updates a principal
	SavePrincipal(ctx context.Context, p *Principal) error

	// GetPrincipal retrieves a principal by stable ID
	GetPrincipal(ctx context.Context, id string) (*Principal, error)

	// GetPrincipalByRef retrieves a principal by login identifier
	GetPrincipalByRef(ctx context.Context, ref string) (*Principal, error)
}

// TokenStore persists session tokens and the revocation set.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveSessionToken saves a newly issued token
	SaveSessionToken(ctx context.Context, token *SessionToken) error

	// GetSessionToken retrieves a token by ID
	GetSessionToken(ctx context.Context, tokenID string) (*SessionToken, error)

	// GetSessionTokenBySecretHash retrieves a token by the hash of its secret
	GetSessionTokenBySecretHash(ctx context.Context, secretHash string) (*SessionToken, error)

	// MarkRevoked adds a token to the revocation set. The entry carries a TTL
	// equal to the remaining token lifetime so the set does not grow without
	// bound. Marking an already-revoked or unknown token succeeds silently.
	MarkRevoked(ctx context.Context, tokenID string, expiresAt time.Time) error

	// IsRevoked reports whether a token is in the revocation set
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// RevokeAllForPrincipal revokes every live token of one principal and
	// returns the number of tokens revoked.
	RevokeAllForPrincipal(ctx context.Context, principalID string) (int, error)
}

// LockoutStore persists per-principal brute-force lockout state.
type LockoutStore interface {
	// GetLockout retrieves the current lockout record. A principal with no
	// recorded failures yields a zero-valued record, not an error.
	GetLockout(ctx context.Context, principalID string) (*LockoutRecord, error)

	// RecordFailure atomically increments the failure counter, starting a
	// new window if the previous one has expired, and sets LockUntil once
	// the counter reaches threshold. Returns the post-increment record.
	// SECURITY: the increment and threshold comparison MUST be atomic so
	// concurrent failed attempts cannot undercount.
	RecordFailure(ctx context.Context, principalID string, now time.Time, threshold int, window, lockDuration time.Duration) (*LockoutRecord, error)

	// ClearLockout resets the failure counter after a successful login
	ClearLockout(ctx context.Context, principalID string) error
}

// CounterStore persists fixed-window rate counters.
type CounterStore interface {
	// IncrementWindow atomically increments the counter for
	// (identity, class) in the window containing now and returns the
	// post-increment count together with the window start. The counter
	// entry expires with its window.
	// SECURITY: this MUST be a single atomic increment-and-read against the
	// backend, never read-then-write with a gap.
	IncrementWindow(ctx context.Context, identity, class string, now time.Time, window time.Duration) (count int64, windowStart time.Time, err error)
}

// AuditStore persists the hash-chained audit ledger.
type AuditStore interface {
	// AppendAudit commits a fully computed record. expectPrevHash is the
	// chain head hash the caller observed when computing record.Hash; the
	// store MUST reject the append with ErrAuditConflict if the head moved
	// so the caller can recompute against the new head.
	AppendAudit(ctx context.Context, record *AuditRecord, expectPrevHash string) error

	// GetAuditHead returns the sequence number and hash of the newest
	// record. An empty chain yields (0, "", nil).
	GetAuditHead(ctx context.Context) (seq uint64, hash string, err error)

	// GetAuditRange retrieves records with fromSeq <= Seq <= toSeq in
	// ascending sequence order
	GetAuditRange(ctx context.Context, fromSeq, toSeq uint64) ([]*AuditRecord, error)
}
