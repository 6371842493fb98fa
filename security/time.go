package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to token expiry
// checks. It prevents false expiration errors from minor time differences
// between hosts; 5 seconds covers typical NTP drift while extending token
// lifetime only negligibly.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired as of now, with the default
// clock skew grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod, time.Now())
}

// IsTokenExpiredWithGracePeriod checks if a token is expired as of the given
// instant with a custom clock skew grace period. The caller supplies now so
// expiry decisions stay on one clock.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration, now time.Time) bool {
	if expiresAt.IsZero() {
		return false // no expiration
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsLockActive reports whether a lockout deadline is still in the future.
// Lock state is evaluated lazily at read time; an elapsed deadline simply
// reads as unlocked.
func IsLockActive(lockUntil *time.Time, now time.Time) bool {
	return lockUntil != nil && now.Before(*lockUntil)
}
