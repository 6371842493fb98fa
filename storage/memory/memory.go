package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skylens/trustcore/storage"
)

// counterEntry is one fixed-window rate counter.
type counterEntry struct {
	count       int64
	windowStart time.Time
	expiresAt   time.Time
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	principals   map[string]*storage.Principal // id -> principal
	principalRef map[string]string             // ref -> id

	tokens      map[string]*storage.SessionToken // token id -> token
	tokenSecret map[string]string                // secret hash -> token id
	revoked     map[string]time.Time             // token id -> revocation marker expiry

	lockouts map[string]*storage.LockoutRecord // principal id -> lockout
	counters map[string]*counterEntry          // identity|class -> counter

	auditRecords []*storage.AuditRecord

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.PrincipalStore = (*Store)(nil)
	_ storage.TokenStore     = (*Store)(nil)
	_ storage.LockoutStore   = (*Store)(nil)
	_ storage.CounterStore   = (*Store)(nil)
	_ storage.AuditStore     = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. Non-positive interval disables the cleanup goroutine.
func NewWithInterval(interval time.Duration) *Store {
	s := &Store{
		principals:      make(map[string]*storage.Principal),
		principalRef:    make(map[string]string),
		tokens:          make(map[string]*storage.SessionToken),
		tokenSecret:     make(map[string]string),
		revoked:         make(map[string]time.Time),
		lockouts:        make(map[string]*storage.LockoutRecord),
		counters:        make(map[string]*counterEntry),
		cleanupInterval: interval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// SetLogger replaces the store logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// PrincipalStore
// ============================================================

// SavePrincipal creates or updates a principal.
func (s *Store) SavePrincipal(_ context.Context, p *storage.Principal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *p
	s.principals[p.ID] = &clone
	s.principalRef[p.Ref] = p.ID
	return nil
}

// GetPrincipal retrieves a principal by stable ID.
func (s *Store) GetPrincipal(_ context.Context, id string) (*storage.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.principals[id]
	if !ok {
		return nil, storage.ErrPrincipalNotFound
	}
	clone := *p
	return &clone, nil
}

// GetPrincipalByRef retrieves a principal by login identifier.
func (s *Store) GetPrincipalByRef(_ context.Context, ref string) (*storage.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.principalRef[ref]
	if !ok {
		return nil, storage.ErrPrincipalNotFound
	}
	p, ok := s.principals[id]
	if !ok {
		return nil, storage.ErrPrincipalNotFound
	}
	clone := *p
	return &clone, nil
}

// ============================================================
// TokenStore
// ============================================================

// SaveSessionToken saves a newly issued token.
func (s *Store) SaveSessionToken(_ context.Context, token *storage.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *token
	s.tokens[token.ID] = &clone
	s.tokenSecret[token.SecretHash] = token.ID
	return nil
}

// GetSessionToken retrieves a token by ID.
func (s *Store) GetSessionToken(_ context.Context, tokenID string) (*storage.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	clone := *token
	return &clone, nil
}

// GetSessionTokenBySecretHash retrieves a token by the hash of its secret.
func (s *Store) GetSessionTokenBySecretHash(_ context.Context, secretHash string) (*storage.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenSecret[secretHash]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	token, ok := s.tokens[id]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	clone := *token
	return &clone, nil
}

// MarkRevoked adds a token to the revocation set. Idempotent; revoking an
// unknown token still records a marker so replayed IDs stay dead.
func (s *Store) MarkRevoked(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markRevokedLocked(tokenID, expiresAt)
	return nil
}

// markRevokedLocked must be called with the mutex held.
func (s *Store) markRevokedLocked(tokenID string, expiresAt time.Time) {
	if expiresAt.Before(time.Now()) {
		// Marker for an already-expired token would be GC'd immediately;
		// keep it one hour for forensics parity with shared backends.
		expiresAt = time.Now().Add(time.Hour)
	}
	s.revoked[tokenID] = expiresAt
	if token, ok := s.tokens[tokenID]; ok {
		token.Status = storage.TokenRevoked
	}
}

// IsRevoked reports whether a token is in the revocation set.
func (s *Store) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.revoked[tokenID]
	return ok, nil
}

// RevokeAllForPrincipal revokes every live token of one principal.
func (s *Store) RevokeAllForPrincipal(_ context.Context, principalID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	revoked := 0
	for _, token := range s.tokens {
		if token.PrincipalID != principalID || token.Status == storage.TokenRevoked {
			continue
		}
		if token.ExpiresAt.Before(now) {
			continue // already inert
		}
		s.markRevokedLocked(token.ID, token.ExpiresAt)
		revoked++
	}
	return revoked, nil
}

// ============================================================
// LockoutStore
// ============================================================

// GetLockout retrieves the current lockout record.
func (s *Store) GetLockout(_ context.Context, principalID string) (*storage.LockoutRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.lockouts[principalID]
	if !ok {
		return &storage.LockoutRecord{}, nil
	}
	clone := *rec
	if rec.LockUntil != nil {
		until := *rec.LockUntil
		clone.LockUntil = &until
	}
	return &clone, nil
}

// RecordFailure atomically increments the failure counter and applies the
// lockout threshold. The mutex makes the increment-and-compare atomic.
func (s *Store) RecordFailure(_ context.Context, principalID string, now time.Time, threshold int, window, lockDuration time.Duration) (*storage.LockoutRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.lockouts[principalID]
	if !ok || now.Sub(rec.WindowStart) >= window {
		rec = &storage.LockoutRecord{WindowStart: now}
		s.lockouts[principalID] = rec
	}

	rec.FailureCount++
	if rec.FailureCount >= threshold {
		until := now.Add(lockDuration)
		rec.LockUntil = &until
	}

	clone := *rec
	if rec.LockUntil != nil {
		until := *rec.LockUntil
		clone.LockUntil = &until
	}
	return &clone, nil
}

// ClearLockout resets the failure counter after a successful login.
func (s *Store) ClearLockout(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.lockouts, principalID)
	return nil
}

// ============================================================
// CounterStore
// ============================================================

// IncrementWindow atomically increments the fixed-window counter for
// (identity, class).
func (s *Store) IncrementWindow(_ context.Context, identity, class string, now time.Time, window time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identity + "\x00" + class
	windowStart := now.Truncate(window)

	entry, ok := s.counters[key]
	if !ok || !entry.windowStart.Equal(windowStart) {
		entry = &counterEntry{
			windowStart: windowStart,
			expiresAt:   windowStart.Add(window),
		}
		s.counters[key] = entry
	}

	entry.count++
	return entry.count, entry.windowStart, nil
}

// ============================================================
// AuditStore
// ============================================================

// AppendAudit commits a record if the chain head still matches
// expectPrevHash.
func (s *Store) AppendAudit(_ context.Context, record *storage.AuditRecord, expectPrevHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var headHash string
	if len(s.auditRecords) > 0 {
		headHash = s.auditRecords[len(s.auditRecords)-1].Hash
	}
	if headHash != expectPrevHash {
		return storage.ErrAuditConflict
	}

	clone := *record
	s.auditRecords = append(s.auditRecords, &clone)
	return nil
}

// GetAuditHead returns the sequence number and hash of the newest record.
func (s *Store) GetAuditHead(context.Context) (uint64, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.auditRecords) == 0 {
		return 0, "", nil
	}
	head := s.auditRecords[len(s.auditRecords)-1]
	return head.Seq, head.Hash, nil
}

// GetAuditRange retrieves records in [fromSeq, toSeq] in order.
func (s *Store) GetAuditRange(_ context.Context, fromSeq, toSeq uint64) ([]*storage.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AuditRecord
	for _, r := range s.auditRecords {
		if r.Seq >= fromSeq && r.Seq <= toSeq {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup garbage collects expired revocation markers, stale counters, and
// long-expired tokens. Audit records are never removed.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0

	for id, expiresAt := range s.revoked {
		if now.After(expiresAt) {
			delete(s.revoked, id)
			removed++
		}
	}

	for key, entry := range s.counters {
		if now.After(entry.expiresAt) {
			delete(s.counters, key)
			removed++
		}
	}

	// Tokens are inert after expiry; keep them one cleanup interval past
	// expiry so in-flight validations still observe a typed TokenExpired
	// rather than TokenNotFound.
	for id, token := range s.tokens {
		if !token.ExpiresAt.IsZero() && now.Sub(token.ExpiresAt) > s.cleanupInterval {
			delete(s.tokens, id)
			delete(s.tokenSecret, token.SecretHash)
			removed++
		}
	}

	for id, rec := range s.lockouts {
		stale := rec.LockUntil == nil || now.After(*rec.LockUntil)
		if stale && now.Sub(rec.WindowStart) > 24*time.Hour {
			delete(s.lockouts, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("memory store cleanup completed", "removed", removed)
	}
}
