package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrTamperDetected is returned by Open when the authentication tag does not
// verify. Decryption fails closed: a sealed value either opens to the exact
// original plaintext or not at all.
var ErrTamperDetected = errors.New("tamper detected: ciphertext authentication failed")

// KeySize is the required key length for AES-256.
const KeySize = 32

// sealedOverhead is the version byte plus the GCM nonce prepended to every
// sealed value.
const sealedOverhead = 1 + 12

// SealedSecret is the wire form of an encrypted value: key version, nonce,
// and ciphertext including the GCM authentication tag.
type SealedSecret struct {
	KeyVersion uint8
	Nonce      []byte
	Ciphertext []byte
}

// Encode serializes the sealed secret as [version][nonce][ciphertext].
func (s *SealedSecret) Encode() []byte {
	out := make([]byte, 0, 1+len(s.Nonce)+len(s.Ciphertext))
	out = append(out, s.KeyVersion)
	out = append(out, s.Nonce...)
	out = append(out, s.Ciphertext...)
	return out
}

// EncodeString serializes the sealed secret as base64 for storage in
// string-valued backends.
func (s *SealedSecret) EncodeString() string {
	return base64.StdEncoding.EncodeToString(s.Encode())
}

// Sealer provides authenticated encryption (AES-256-GCM) with versioned
// keys. Open selects the key by the version embedded in the sealed value, so
// keys can be rotated without re-encrypting historical data immediately.
// Key material is supplied by the caller and is never logged or persisted.
type Sealer struct {
	keys    map[uint8]cipher.AEAD
	current uint8
}

// NewSealer creates a sealer from a map of key version to 32-byte key.
// currentVersion selects the key used for new Seal calls; every version in
// the map remains valid for Open.
func NewSealer(keys map[uint8][]byte, currentVersion uint8) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one encryption key is required")
	}
	if _, ok := keys[currentVersion]; !ok {
		return nil, fmt.Errorf("current key version %d not present in key set", currentVersion)
	}

	aeads := make(map[uint8]cipher.AEAD, len(keys))
	for version, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key version %d must be exactly %d bytes for AES-256, got %d", version, KeySize, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher for key version %d: %w", version, err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM for key version %d: %w", version, err)
		}
		aeads[version] = gcm
	}

	return &Sealer{keys: aeads, current: currentVersion}, nil
}

// CurrentVersion returns the key version used for new Seal calls.
func (s *Sealer) CurrentVersion() uint8 {
	return s.current
}

// Seal encrypts plaintext under the current key with a fresh random nonce.
// associatedData is authenticated but not encrypted; Open must present the
// same bytes or the tag check fails.
func (s *Sealer) Seal(plaintext, associatedData []byte) (*SealedSecret, error) {
	gcm := s.keys[s.current]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &SealedSecret{
		KeyVersion: s.current,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, associatedData),
	}, nil
}

// Open decrypts a sealed secret, selecting the key by the embedded version.
// Any tag failure, unknown version, or truncated input returns
// ErrTamperDetected; a plaintext-shaped but incorrect value never surfaces.
func (s *Sealer) Open(sealed *SealedSecret, associatedData []byte) ([]byte, error) {
	gcm, ok := s.keys[sealed.KeyVersion]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrTamperDetected, sealed.KeyVersion)
	}
	if len(sealed.Nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length", ErrTamperDetected)
	}

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, associatedData)
	if err != nil {
		return nil, ErrTamperDetected
	}
	return plaintext, nil
}

// SealString seals a string and returns the base64-encoded wire form.
func (s *Sealer) SealString(plaintext string, associatedData []byte) (string, error) {
	sealed, err := s.Seal([]byte(plaintext), associatedData)
	if err != nil {
		return "", err
	}
	return sealed.EncodeString(), nil
}

// OpenString decodes a base64 wire-form sealed value and opens it.
func (s *Sealer) OpenString(encoded string, associatedData []byte) (string, error) {
	sealed, err := DecodeSealedString(encoded)
	if err != nil {
		return "", err
	}
	plaintext, err := s.Open(sealed, associatedData)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// DecodeSealed parses the [version][nonce][ciphertext] wire form.
func DecodeSealed(data []byte) (*SealedSecret, error) {
	if len(data) < sealedOverhead {
		return nil, fmt.Errorf("%w: sealed value too short", ErrTamperDetected)
	}
	return &SealedSecret{
		KeyVersion: data[0],
		Nonce:      data[1:sealedOverhead],
		Ciphertext: data[sealedOverhead:],
	}, nil
}

// DecodeSealedString parses a base64-encoded sealed value.
func DecodeSealedString(encoded string) (*SealedSecret, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrTamperDetected)
	}
	return DecodeSealed(data)
}

// GenerateKey generates a new 32-byte encryption key for AES-256.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
