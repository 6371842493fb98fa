package trustcore

import (
	"fmt"
	"net/http"
	"time"
)

// Authentication error codes as constants
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInvalidCredentials  = "invalid_credentials"
	ErrorCodeAccountLocked       = "account_locked"
	ErrorCodeRateLimitExceeded   = "rate_limit_exceeded"
	ErrorCodeTokenExpired        = "token_expired"
	ErrorCodeTokenRevoked        = "token_revoked"
	ErrorCodeFingerprintMismatch = "fingerprint_mismatch"
	ErrorCodeThreatBlocked       = "threat_blocked"
	ErrorCodeWeakCredential      = "weak_credential"
	ErrorCodeRefUnavailable      = "ref_unavailable"
	ErrorCodeTamperDetected      = "tamper_detected"
	ErrorCodeServerError         = "server_error"
)

// AuthError represents an authentication or authorization failure exposed at
// the API boundary. Descriptions are intentionally generic: they must never
// let a caller distinguish an unknown principal from a wrong credential, or
// reveal counters and thresholds.
type AuthError struct {
	Code        string        // machine-readable error code (e.g., "invalid_credentials")
	Description string        // human-readable error description
	Status      int           // HTTP status code
	RetryAfter  time.Duration // only set for rate-limit errors
}

// Error implements the error interface
func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Is makes errors.Is match on the error code, so wrapped copies of a
// sentinel (e.g. one carrying RetryAfter) still compare equal to it.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Code == e.Code
}

// NewAuthError creates a new authentication error
func NewAuthError(code, description string, status int) *AuthError {
	return &AuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common authentication errors as reusable instances
var (
	// ErrInvalidCredentials covers both an unknown principal and a wrong
	// credential; the two must be indistinguishable to the caller
	ErrInvalidCredentials = NewAuthError(ErrorCodeInvalidCredentials,
		"invalid credentials", http.StatusUnauthorized)

	// ErrAccountLocked indicates the principal is temporarily locked after
	// repeated failures
	ErrAccountLocked = NewAuthError(ErrorCodeAccountLocked,
		"account temporarily locked", http.StatusLocked)

	// ErrRateLimitExceeded indicates the caller crossed a windowed ceiling.
	// Use WithRetryAfter to attach the window reset time.
	ErrRateLimitExceeded = NewAuthError(ErrorCodeRateLimitExceeded,
		"rate limit exceeded", http.StatusTooManyRequests)

	// ErrTokenExpired indicates the session token is past its expiry or
	// unknown to the store
	ErrTokenExpired = NewAuthError(ErrorCodeTokenExpired,
		"token expired or unknown", http.StatusUnauthorized)

	// ErrTokenRevoked indicates the session token was revoked before expiry
	ErrTokenRevoked = NewAuthError(ErrorCodeTokenRevoked,
		"token revoked", http.StatusUnauthorized)

	// ErrFingerprintMismatch indicates the presented token's client binding
	// differs from the one captured at issuance
	ErrFingerprintMismatch = NewAuthError(ErrorCodeFingerprintMismatch,
		"token not valid for this client", http.StatusUnauthorized)

	// ErrThreatBlocked indicates the request was rejected because its threat
	// score crossed the configured threshold
	ErrThreatBlocked = NewAuthError(ErrorCodeThreatBlocked,
		"request blocked", http.StatusForbidden)

	// ErrWeakCredential indicates the credential fails the strength policy
	ErrWeakCredential = NewAuthError(ErrorCodeWeakCredential,
		"credential does not meet strength requirements", http.StatusBadRequest)

	// ErrRefUnavailable indicates the login identifier is already registered
	ErrRefUnavailable = NewAuthError(ErrorCodeRefUnavailable,
		"login identifier unavailable", http.StatusConflict)

	// ErrTamperDetected indicates sealed data failed authentication on open.
	// A security incident on our side, never an input error: the caller sees
	// a 5xx with no detail.
	ErrTamperDetected = NewAuthError(ErrorCodeTamperDetected,
		"internal server error", http.StatusInternalServerError)

	// ErrServerError indicates an internal failure. Audit integrity failures
	// surface as this: they are incidents on our side, never the caller's
	// fault.
	ErrServerError = NewAuthError(ErrorCodeServerError,
		"internal server error", http.StatusInternalServerError)
)

// WithRetryAfter returns a copy of the error carrying a Retry-After hint.
func (e *AuthError) WithRetryAfter(d time.Duration) *AuthError {
	clone := *e
	clone.RetryAfter = d
	return &clone
}
