package valkey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/skylens/trustcore/storage"
)

// ============================================================
// LockoutStore Implementation
// ============================================================

// GetLockout retrieves the current lockout record. A principal with no
// recorded failures yields a zero-valued record, not an error.
func (s *Store) GetLockout(ctx context.Context, principalID string) (*storage.LockoutRecord, error) {
	key := s.lockoutKey(principalID)

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get lockout state: %w", err)
	}
	if len(fields) == 0 {
		return &storage.LockoutRecord{}, nil
	}

	return lockoutRecordFromFields(fields)
}

// RecordFailure atomically increments the failure counter, starting a new
// window if the previous one has expired, and sets LockUntil once the
// counter reaches threshold. Returns the post-increment record.
//
// SECURITY: the whole read-increment-compare sequence runs as one Lua script
// so concurrent failed attempts cannot undercount.
func (s *Store) RecordFailure(ctx context.Context, principalID string, now time.Time, threshold int, window, lockDuration time.Duration) (*storage.LockoutRecord, error) {
	if err := validateIDLength(principalID, "principal ID"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRecordFailure).
			Numkeys(1).
			Key(s.lockoutKey(principalID)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Arg(strconv.FormatInt(int64(window.Seconds()), 10)).
			Arg(strconv.Itoa(threshold)).
			Arg(strconv.FormatInt(int64(lockDuration.Seconds()), 10)).
			Arg(strconv.FormatInt(int64(lockoutRetentionTTL.Seconds()), 10)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to record authentication failure: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("unexpected lockout script result length %d", len(result))
	}

	record := &storage.LockoutRecord{
		FailureCount: int(result[0]),
		WindowStart:  time.Unix(result[1], 0),
	}
	if result[2] > 0 {
		lockUntil := time.Unix(result[2], 0)
		record.LockUntil = &lockUntil
	}

	if record.LockUntil != nil {
		s.logger.Warn("Account lockout armed",
			"principal_id", principalID,
			"failure_count", record.FailureCount,
			"lock_until", record.LockUntil)
	}
	return record, nil
}

// ClearLockout resets the failure counter after a successful login
func (s *Store) ClearLockout(ctx context.Context, principalID string) error {
	if err := s.client.Do(ctx,
		s.client.B().Del().Key(s.lockoutKey(principalID)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to clear lockout state: %w", err)
	}
	return nil
}

// lockoutRecordFromFields rebuilds a LockoutRecord from the stored hash fields.
func lockoutRecordFromFields(fields map[string]string) (*storage.LockoutRecord, error) {
	record := &storage.LockoutRecord{}

	if v, ok := fields["count"]; ok {
		count, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid lockout count %q: %w", v, err)
		}
		record.FailureCount = count
	}

	if v, ok := fields["window_start"]; ok {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lockout window start %q: %w", v, err)
		}
		record.WindowStart = time.Unix(sec, 0)
	}

	if v, ok := fields["lock_until"]; ok {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid lockout expiry %q: %w", v, err)
		}
		lockUntil := time.Unix(sec, 0)
		record.LockUntil = &lockUntil
	}

	return record, nil
}

// ============================================================
// CounterStore Implementation
// ============================================================

// IncrementWindow atomically increments the counter for (identity, class)
// in the fixed window containing now and returns the post-increment count
// together with the window start. The window start is part of the key, so a
// new window always begins at zero and old windows expire via TTL.
//
// SECURITY: INCR-then-EXPIRE runs as one Lua script; there is no gap in
// which a concurrent request could observe a stale count.
func (s *Store) IncrementWindow(ctx context.Context, identity, class string, now time.Time, window time.Duration) (int64, time.Time, error) {
	if err := validateIDLength(identity, "identity"); err != nil {
		return 0, time.Time{}, err
	}

	windowStart := now.Truncate(window)

	ttl := windowStart.Add(window).Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}

	count, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrementWindow).
			Numkeys(1).
			Key(s.counterKey(identity, class, windowStart)).
			Arg(strconv.FormatInt(int64(ttl.Seconds()), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	return count, windowStart, nil
}
