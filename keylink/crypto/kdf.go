package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

var ErrWeakKDFParams = errors.New("crypto: KDF parameters below minimum")

const (
	// MinKDFTime and MinKDFMemory are the floors accepted for passphrase derivation.
	MinKDFTime   = 3
	MinKDFMemory = 64 * 1024 // KiB

	SaltSize = 16
)

var (
	credentialSalt = []byte("keylink-credential-user")
	credentialInfo = []byte("keylink-store-encryption-v1")
)

// KDFParams configures Argon2id. Memory is in KiB.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams returns the minimum accepted cost with four lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: MinKDFTime, Memory: MinKDFMemory, Threads: 4}
}

// Validate rejects parameters cheaper than the configured floors.
func (p KDFParams) Validate() error {
	if p.Time < MinKDFTime {
		return fmt.Errorf("%w: time=%d", ErrWeakKDFParams, p.Time)
	}
	if p.Memory < MinKDFMemory {
		return fmt.Errorf("%w: memory=%dKiB", ErrWeakKDFParams, p.Memory)
	}
	if p.Threads == 0 {
		return fmt.Errorf("%w: threads=0", ErrWeakKDFParams)
	}
	return nil
}

// DeriveKey derives a key of the specified length using HKDF-SHA256.
// salt can be nil (uses zero salt), info provides context binding.
func DeriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	hk := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(hk, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveCredentialKey derives the 256-bit store key bound to an
// authenticator credential id.
func DeriveCredentialKey(credentialID []byte) ([]byte, error) {
	if len(credentialID) == 0 {
		return nil, errors.New("crypto: empty credential id")
	}
	return DeriveKey(credentialID, credentialSalt, credentialInfo, KeySize)
}

// DerivePassphraseKey stretches passphrase with Argon2id into a 256-bit key.
func DerivePassphraseKey(passphrase, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("crypto: salt must be at least %d bytes", SaltSize)
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeySize), nil
}
