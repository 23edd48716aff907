package crypto

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	PublicKeySize           = 65
	CompressedPublicKeySize = 33
	PrivateKeySize          = 32
	SharedSecretSize        = 32
)

var (
	ErrFormat     = errors.New("crypto: malformed uncompressed P-256 point")
	ErrInvalidKey = errors.New("crypto: invalid P-256 key")
)

// P256KeyPair holds a P-256 keypair in raw encodings:
// the 32-byte private scalar and the 65-byte uncompressed public point.
type P256KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// GenerateKeyPair generates a new P-256 keypair.
func GenerateKeyPair() (P256KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return P256KeyPair{}, err
	}
	return P256KeyPair{
		PublicKey:  priv.PublicKey().Bytes(),
		PrivateKey: priv.Bytes(),
	}, nil
}

// Zero clears the private scalar.
func (kp *P256KeyPair) Zero() { Zero(kp.PrivateKey) }

// ImportPrivateKey validates a raw 32-byte scalar.
func ImportPrivateKey(scalar []byte) (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return priv, nil
}

// ImportPublicKey validates a 65-byte uncompressed point.
func ImportPublicKey(point []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// Compress re-encodes an uncompressed point as 0x02|0x03 followed by X.
// The point is not checked for curve membership.
func Compress(pub []byte) ([]byte, error) {
	if len(pub) != PublicKeySize || pub[0] != 0x04 {
		return nil, ErrFormat
	}
	out := make([]byte, CompressedPublicKeySize)
	out[0] = 0x02 | (pub[PublicKeySize-1] & 1)
	copy(out[1:], pub[1:33])
	return out, nil
}

// Decompress recovers the uncompressed point from its compressed form.
// It fails with ErrInvalidKey when X is not on the curve.
func Decompress(c []byte) ([]byte, error) {
	if len(c) != CompressedPublicKeySize || (c[0] != 0x02 && c[0] != 0x03) {
		return nil, ErrInvalidKey
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), c)
	if x == nil {
		return nil, ErrInvalidKey
	}
	out := make([]byte, PublicKeySize)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:])
	if _, err := ImportPublicKey(out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveSharedSecret performs ECDH and returns the 32-byte X coordinate
// of the shared point.
func DeriveSharedSecret(privateKey, peerPublicKey []byte) ([]byte, error) {
	priv, err := ImportPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	pub, err := ImportPublicKey(peerPublicKey)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(shared) != SharedSecretSize {
		return nil, ErrInvalidKey
	}
	return shared, nil
}
