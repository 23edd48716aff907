package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")
	ErrDecryptionFailed   = errors.New("crypto: decryption failed")
	ErrInvalidKeySize     = errors.New("crypto: invalid key size for AES-256-GCM")
)

// AEAD wraps AES-256-GCM with a random 96-bit IV per sealed message.
// Callers never supply IVs, so a key can be shared across goroutines.
type AEAD struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewAEAD creates a new AEAD cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: gcm, rand: rand.Reader}, nil
}

func (a *AEAD) nextNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(a.rand, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Seal encrypts and authenticates plaintext.
// Returns: iv (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	iv, ct, tag, err := a.SealDetached(plaintext, additionalData)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ct)+len(tag))
	out = append(out, iv...)
	out = append(out, ct...)
	return append(out, tag...), nil
}

// Open decrypts and verifies ciphertext.
// Input format: iv (12 bytes) || ciphertext || tag (16 bytes)
func (a *AEAD) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, ErrCiphertextTooShort
	}
	iv := sealed[:NonceSize]
	ct := sealed[NonceSize : len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]
	return a.OpenDetached(iv, ct, tag, additionalData)
}

// SealDetached encrypts plaintext and returns the IV, ciphertext and tag
// separately. The ciphertext has the same length as plaintext.
func (a *AEAD) SealDetached(plaintext, additionalData []byte) (iv, ciphertext, tag []byte, err error) {
	iv, err = a.nextNonce()
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := a.aead.Seal(nil, iv, plaintext, additionalData)
	n := len(sealed) - TagSize
	return iv, sealed[:n:n], sealed[n:], nil
}

// OpenDetached verifies tag and decrypts ciphertext.
func (a *AEAD) OpenDetached(iv, ciphertext, tag, additionalData []byte) ([]byte, error) {
	if len(iv) != NonceSize || len(tag) != TagSize {
		return nil, ErrCiphertextTooShort
	}
	buf := make([]byte, 0, len(ciphertext)+TagSize)
	buf = append(buf, ciphertext...)
	buf = append(buf, tag...)
	plaintext, err := a.aead.Open(nil, iv, buf, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// Overhead returns the IV plus tag overhead of Seal.
func (a *AEAD) Overhead() int { return NonceSize + TagSize }

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
