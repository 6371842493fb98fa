package trustcore

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestAuthError_Error(t *testing.T) {
	err := NewAuthError("some_code", "something went wrong", http.StatusBadRequest)
	want := "some_code: something went wrong"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAuthError_Is(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same sentinel",
			err:    ErrAccountLocked,
			target: ErrAccountLocked,
			want:   true,
		},
		{
			name:   "wrapped sentinel",
			err:    fmt.Errorf("authenticate: %w", ErrInvalidCredentials),
			target: ErrInvalidCredentials,
			want:   true,
		},
		{
			name:   "clone with retry hint still matches",
			err:    ErrRateLimitExceeded.WithRetryAfter(30 * time.Second),
			target: ErrRateLimitExceeded,
			want:   true,
		},
		{
			name:   "different codes do not match",
			err:    ErrTokenExpired,
			target: ErrTokenRevoked,
			want:   false,
		},
		{
			name:   "non auth error does not match",
			err:    errors.New("plain"),
			target: ErrServerError,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthError_WithRetryAfter(t *testing.T) {
	clone := ErrRateLimitExceeded.WithRetryAfter(45 * time.Second)

	if clone.RetryAfter != 45*time.Second {
		t.Errorf("RetryAfter = %v, want 45s", clone.RetryAfter)
	}
	if ErrRateLimitExceeded.RetryAfter != 0 {
		t.Error("WithRetryAfter mutated the shared sentinel")
	}
	if clone.Code != ErrRateLimitExceeded.Code || clone.Status != ErrRateLimitExceeded.Status {
		t.Error("WithRetryAfter changed code or status")
	}
}

func TestSentinelStatuses(t *testing.T) {
	tests := []struct {
		err    *AuthError
		status int
	}{
		{ErrInvalidCredentials, http.StatusUnauthorized},
		{ErrAccountLocked, http.StatusLocked},
		{ErrRateLimitExceeded, http.StatusTooManyRequests},
		{ErrTokenExpired, http.StatusUnauthorized},
		{ErrTokenRevoked, http.StatusUnauthorized},
		{ErrFingerprintMismatch, http.StatusUnauthorized},
		{ErrThreatBlocked, http.StatusForbidden},
		{ErrWeakCredential, http.StatusBadRequest},
		{ErrRefUnavailable, http.StatusConflict},
		{ErrTamperDetected, http.StatusInternalServerError},
		{ErrServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			if tt.err.Status != tt.status {
				t.Errorf("status = %d, want %d", tt.err.Status, tt.status)
			}
		})
	}
}

// The tamper sentinel must never hint at what happened: the body reads like
// any other internal failure, only the machine code differs.
func TestTamperDetected_NoDetailLeak(t *testing.T) {
	if ErrTamperDetected.Description != ErrServerError.Description {
		t.Errorf("tamper description %q differs from generic %q",
			ErrTamperDetected.Description, ErrServerError.Description)
	}
}
