package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Fingerprint is a short, stable identifier for a public key.
// It is defined as: Fingerprint = SHA-256(PublicKey)[:8].
type Fingerprint [8]byte

func FingerprintFromPublicKey(publicKey []byte) Fingerprint {
	sum := sha256.Sum256(publicKey)
	var fp Fingerprint
	copy(fp[:], sum[:])
	return fp
}

func ParseFingerprintHex(s string) (Fingerprint, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Fingerprint{}, err
	}
	if len(b) != len(Fingerprint{}) {
		return Fingerprint{}, errors.New("invalid fingerprint length")
	}
	var fp Fingerprint
	copy(fp[:], b)
	return fp, nil
}

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}
