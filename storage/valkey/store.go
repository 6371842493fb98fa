package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/skylens/trustcore/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "trust:"

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// minRevocationMarkerTTL is the minimum TTL for a revocation marker.
	// Markers for tokens that are already past expiry still linger briefly
	// so in-flight validations observe the revoked state.
	minRevocationMarkerTTL = time.Hour

	// lockoutRetentionTTL bounds how long stale lockout state survives.
	// Staleness is resolved at read time; the TTL only caps storage growth.
	lockoutRetentionTTL = 24 * time.Hour

	// sessionIndexSlack keeps the per-principal session index alive slightly
	// past the newest token so bulk revocation can still enumerate it.
	sessionIndexSlack = time.Hour

	// MaxIDLength is the maximum allowed length for identifiers (principal
	// IDs, refs, token IDs). Prevents abuse via oversized keys.
	MaxIDLength = 256
)

var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "trust:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements PrincipalStore, TokenStore, LockoutStore, CounterStore,
// and AuditStore.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.PrincipalStore = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.LockoutStore   = (*Store)(nil)
	_ storage.CounterStore   = (*Store)(nil)
	_ storage.AuditStore     = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// validateIDLength checks if an identifier exceeds the maximum allowed length
func validateIDLength(value, fieldName string) error {
	if len(value) > MaxIDLength {
		return fmt.Errorf("%w: %s", errInputTooLarge, fieldName)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// principalKey returns the key for a principal: {prefix}principal:{id}
func (s *Store) principalKey(id string) string {
	return fmt.Sprintf("%sprincipal:%s", s.prefix, id)
}

// principalRefKey returns the key for ref lookup: {prefix}principal:ref:{ref}
func (s *Store) principalRefKey(ref string) string {
	return fmt.Sprintf("%sprincipal:ref:%s", s.prefix, ref)
}

// sessionKey returns the key for a session token: {prefix}session:{tokenID}
func (s *Store) sessionKey(tokenID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, tokenID)
}

// sessionSecretKey returns the key for secret-hash lookup: {prefix}session:secret:{hash}
func (s *Store) sessionSecretKey(secretHash string) string {
	return fmt.Sprintf("%ssession:secret:%s", s.prefix, secretHash)
}

// principalSessionsKey returns the per-principal token index: {prefix}principal:sessions:{id}
func (s *Store) principalSessionsKey(principalID string) string {
	return fmt.Sprintf("%sprincipal:sessions:%s", s.prefix, principalID)
}

// revokedKey returns the key for a revocation marker: {prefix}revoked:{tokenID}
func (s *Store) revokedKey(tokenID string) string {
	return fmt.Sprintf("%srevoked:%s", s.prefix, tokenID)
}

// lockoutKey returns the key for lockout state: {prefix}lockout:{principalID}
func (s *Store) lockoutKey(principalID string) string {
	return fmt.Sprintf("%slockout:%s", s.prefix, principalID)
}

// counterKey returns the key for one fixed-window counter:
// {prefix}counter:{class}:{identity}:{windowStartUnix}
func (s *Store) counterKey(identity, class string, windowStart time.Time) string {
	return fmt.Sprintf("%scounter:%s:%s:%d", s.prefix, class, identity, windowStart.Unix())
}

// auditHeadKey returns the key holding the chain head: {prefix}audit:head
func (s *Store) auditHeadKey() string {
	return s.prefix + "audit:head"
}

// auditLogKey returns the key of the append-only record list: {prefix}audit:log
func (s *Store) auditLogKey() string {
	return s.prefix + "audit:log"
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide atomic operations for security-critical paths.
// Using Lua scripts ensures atomicity in Valkey/Redis, preventing race
// conditions that could undercount brute-force failures, let request bursts
// slip past a rate ceiling, or fork the audit chain.

// luaRecordFailure atomically increments the lockout failure counter,
// resetting the window when the previous one has elapsed, and arms the lock
// once the counter reaches the threshold.
//
// SECURITY: the increment and threshold comparison MUST happen in one atomic
// step; concurrent failed attempts must never undercount.
//
// KEYS[1] = lockout key (e.g., "trust:lockout:p1")
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = window length in seconds
// ARGV[3] = failure threshold
// ARGV[4] = lock duration in seconds
// ARGV[5] = key retention TTL in seconds
//
// Returns {count, window_start, lock_until} where lock_until is 0 when the
// principal is not locked.
const luaRecordFailure = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local threshold = tonumber(ARGV[3])
local lockSeconds = tonumber(ARGV[4])

local count = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local windowStart = tonumber(redis.call('HGET', KEYS[1], 'window_start') or '0')

if count == 0 or now - windowStart >= window then
    count = 1
    windowStart = now
    redis.call('DEL', KEYS[1])
    redis.call('HSET', KEYS[1], 'count', count, 'window_start', windowStart)
else
    count = redis.call('HINCRBY', KEYS[1], 'count', 1)
end

local lockUntil = 0
if count >= threshold then
    lockUntil = now + lockSeconds
    redis.call('HSET', KEYS[1], 'lock_until', lockUntil)
else
    local stored = redis.call('HGET', KEYS[1], 'lock_until')
    if stored then
        lockUntil = tonumber(stored)
    end
end

redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))

return {count, windowStart, lockUntil}
`

// luaIncrementWindow atomically increments a fixed-window counter and sets
// the window TTL on first increment only, so the entry expires with its
// window regardless of traffic.
//
// KEYS[1] = counter key (window start is part of the key)
// ARGV[1] = TTL in seconds
//
// Returns the post-increment count.
const luaIncrementWindow = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], tonumber(ARGV[1]))
end
return count
`

// luaAppendAudit atomically compares the stored chain head against the head
// the caller computed its record from, and commits the record only on match.
// This is the cross-instance compare-and-set that keeps the audit chain
// linear: two concurrent appends cannot both link to the same predecessor.
//
// KEYS[1] = head key (JSON {"seq": n, "hash": "..."})
// KEYS[2] = log list key (records in sequence order)
// ARGV[1] = expected head hash ("" for an empty chain)
// ARGV[2] = serialized record
// ARGV[3] = record hash
// ARGV[4] = record sequence number
//
// Returns "OK" on commit, "CONFLICT" when the head moved.
const luaAppendAudit = `
local head = redis.call('GET', KEYS[1])
if not head then
    if ARGV[1] ~= '' then
        return 'CONFLICT'
    end
else
    local h = cjson.decode(head)
    if h.hash ~= ARGV[1] then
        return 'CONFLICT'
    end
end

redis.call('RPUSH', KEYS[2], ARGV[2])
redis.call('SET', KEYS[1], cjson.encode({seq = tonumber(ARGV[4]), hash = ARGV[3]}))

return 'OK'
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

// principalJSON is the JSON representation of a principal
type principalJSON struct {
	ID             string    `json:"id"`
	Ref            string    `json:"ref"`
	CredentialHash string    `json:"credential_hash"`
	Disabled       bool      `json:"disabled,omitempty"`
	LastSuccessAt  time.Time `json:"last_success_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func toPrincipalJSON(p *storage.Principal) *principalJSON {
	return &principalJSON{
		ID:             p.ID,
		Ref:            p.Ref,
		CredentialHash: p.CredentialHash,
		Disabled:       p.Disabled,
		LastSuccessAt:  p.LastSuccessAt,
		CreatedAt:      p.CreatedAt,
	}
}

func fromPrincipalJSON(j *principalJSON) *storage.Principal {
	if j == nil {
		return nil
	}
	return &storage.Principal{
		ID:             j.ID,
		Ref:            j.Ref,
		CredentialHash: j.CredentialHash,
		Disabled:       j.Disabled,
		LastSuccessAt:  j.LastSuccessAt,
		CreatedAt:      j.CreatedAt,
	}
}

// sessionTokenJSON is the JSON representation of a session token
type sessionTokenJSON struct {
	ID          string    `json:"id"`
	PrincipalID string    `json:"principal_id"`
	SecretHash  string    `json:"secret_hash"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Status      string    `json:"status"`
}

func toSessionTokenJSON(t *storage.SessionToken) *sessionTokenJSON {
	return &sessionTokenJSON{
		ID:          t.ID,
		PrincipalID: t.PrincipalID,
		SecretHash:  t.SecretHash,
		Fingerprint: t.Fingerprint,
		IssuedAt:    t.IssuedAt,
		ExpiresAt:   t.ExpiresAt,
		Status:      string(t.Status),
	}
}

func fromSessionTokenJSON(j *sessionTokenJSON) *storage.SessionToken {
	if j == nil {
		return nil
	}
	return &storage.SessionToken{
		ID:          j.ID,
		PrincipalID: j.PrincipalID,
		SecretHash:  j.SecretHash,
		Fingerprint: j.Fingerprint,
		IssuedAt:    j.IssuedAt,
		ExpiresAt:   j.ExpiresAt,
		Status:      storage.TokenStatus(j.Status),
	}
}

// auditRecordJSON is the JSON representation of an audit record. The
// timestamp round-trips at full precision so the record hash stays
// recomputable after a read back.
type auditRecordJSON struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id,omitempty"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload,omitempty"`
	PrevHash  string    `json:"prev_hash,omitempty"`
	Hash      string    `json:"hash"`
}

func toAuditRecordJSON(r *storage.AuditRecord) *auditRecordJSON {
	return &auditRecordJSON{
		Seq:       r.Seq,
		Timestamp: r.Timestamp,
		ActorID:   r.ActorID,
		Kind:      r.Kind,
		Payload:   r.Payload,
		PrevHash:  r.PrevHash,
		Hash:      r.Hash,
	}
}

func fromAuditRecordJSON(j *auditRecordJSON) *storage.AuditRecord {
	if j == nil {
		return nil
	}
	return &storage.AuditRecord{
		Seq:       j.Seq,
		Timestamp: j.Timestamp,
		ActorID:   j.ActorID,
		Kind:      j.Kind,
		Payload:   j.Payload,
		PrevHash:  j.PrevHash,
		Hash:      j.Hash,
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
// This reduces code duplication across GetPrincipal, GetSessionToken, etc.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
