package security

import (
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// minCredentialLength is the minimum accepted credential length at
// registration. Verification has no minimum so legacy credentials keep
// working.
const minCredentialLength = 10

// Hasher hashes and verifies credentials via bcrypt. Cost is configurable so
// security/performance can be tuned per environment.
type Hasher struct {
	cost int
}

// NewHasher creates a bcrypt-based hasher. Non-positive cost falls back to
// the bcrypt default.
func NewHasher(cost int) *Hasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns the bcrypt hash of a credential.
func (h *Hasher) Hash(credential string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(credential), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash credential: %w", err)
	}
	return string(hashed), nil
}

// Compare verifies a credential against a stored hash. bcrypt's comparison
// is constant-time in the credential, so a wrong guess leaks nothing about
// how close it was.
func (h *Hasher) Compare(hash, credential string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credential))
}

// dummyHash is a bcrypt hash of an unguessable throwaway value. CompareDummy
// burns the same work as a real comparison so an attacker cannot distinguish
// "principal does not exist" from "wrong credential" by response timing.
var dummyHash = func() string {
	h, err := bcrypt.GenerateFromPassword([]byte("trustcore-timing-equalizer"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("bcrypt dummy hash: %v", err))
	}
	return string(h)
}()

// CompareDummy performs a bcrypt comparison that always fails, taking the
// same time as a genuine mismatch.
func (h *Hasher) CompareDummy(credential string) {
	_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(credential))
}

// ValidateCredentialStrength rejects credentials that are trivially
// brute-forceable. Applied at registration only.
func ValidateCredentialStrength(credential string) error {
	if len(credential) < minCredentialLength {
		return fmt.Errorf("credential must be at least %d characters", minCredentialLength)
	}

	var hasLetter, hasDigit bool
	for _, r := range credential {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("credential must contain both letters and digits")
	}
	return nil
}
