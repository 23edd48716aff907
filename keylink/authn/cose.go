package authn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"fmt"
	"math/big"

	"github.com/TheusHen/keylink/keylink/cbor"
	"github.com/TheusHen/keylink/keylink/crypto"
)

// COSE key labels and values for EC2 / ES256.
const (
	coseKty   = 1
	coseAlg   = 3
	coseCrv   = -1
	coseX     = -2
	coseY     = -3
	ktyEC2    = 2
	algES256  = -7
	crvP256   = 1
	coordSize = 32
)

// ParseCOSEKey decodes an ES256 COSE_Key into an ECDSA public key.
func ParseCOSEKey(b []byte) (*ecdsa.PublicKey, error) {
	v, err := cbor.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	for _, want := range []struct {
		label, value int64
	}{{coseKty, ktyEC2}, {coseAlg, algES256}, {coseCrv, crvP256}} {
		got, err := v.GetInt(cbor.Int(want.label))
		if err != nil || got != want.value {
			return nil, fmt.Errorf("%w: label %d", ErrUnsupportedKey, want.label)
		}
	}
	x, err := v.GetBytes(cbor.Int(coseX))
	if err != nil || len(x) != coordSize {
		return nil, fmt.Errorf("%w: x coordinate", ErrUnsupportedKey)
	}
	y, err := v.GetBytes(cbor.Int(coseY))
	if err != nil || len(y) != coordSize {
		return nil, fmt.Errorf("%w: y coordinate", ErrUnsupportedKey)
	}

	point := make([]byte, 0, crypto.PublicKeySize)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := crypto.ImportPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

// MarshalCOSEKey encodes an ECDSA P-256 public key as an ES256 COSE_Key.
func MarshalCOSEKey(pub *ecdsa.PublicKey) []byte {
	x := make([]byte, coordSize)
	y := make([]byte, coordSize)
	pub.X.FillBytes(x)
	pub.Y.FillBytes(y)
	return cbor.Marshal(cbor.Map(
		cbor.Entry(cbor.Int(coseKty), cbor.Int(ktyEC2)),
		cbor.Entry(cbor.Int(coseAlg), cbor.Int(algES256)),
		cbor.Entry(cbor.Int(coseCrv), cbor.Int(crvP256)),
		cbor.Entry(cbor.Int(coseX), cbor.Bytes(x)),
		cbor.Entry(cbor.Int(coseY), cbor.Bytes(y)),
	))
}
