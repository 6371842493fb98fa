package security

// Event kind constants for the audit ledger. These constants ensure
// consistency across the codebase and prevent typos when appending
// security-relevant events.
const (
	// Authentication events

	// EventLoginSuccess is appended when credentials verify and a session
	// token is issued
	EventLoginSuccess = "login_success"

	// EventLoginFailure is appended when credential verification fails
	EventLoginFailure = "login_failure"

	// EventAccountLocked is appended when the failure counter crosses the
	// lockout threshold
	EventAccountLocked = "account_locked"

	// EventPrincipalRegistered is appended when a new principal is created
	EventPrincipalRegistered = "principal_registered"

	// Token lifecycle events

	// EventTokenRevoked is appended when a token is revoked
	EventTokenRevoked = "token_revoked"

	// EventTokenRefreshed is appended when a token is rotated via refresh
	EventTokenRefreshed = "token_refreshed"

	// EventAllTokensRevoked is appended when every token of a principal is
	// revoked at once (password change, detected compromise)
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: event type name, not a credential

	// Security violation events

	// EventRateLimitExceeded is appended when a windowed rate ceiling is
	// crossed
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventThreatDetected is appended whenever the threat score crosses the
	// configured threshold, regardless of the final decision
	EventThreatDetected = "threat_detected"

	// EventFingerprintMismatch is appended when a presented token's client
	// binding differs from the one captured at issuance (probable theft)
	EventFingerprintMismatch = "fingerprint_mismatch"
)
