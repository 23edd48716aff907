package authn

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/TheusHen/keylink/keylink/cbor"
)

// Authenticator data flags.
const (
	FlagUserPresent        = 0x01
	FlagUserVerified       = 0x04
	FlagAttestedCredential = 0x40
)

const (
	rpIDHashSize  = 32
	authDataMin   = rpIDHashSize + 1 + 4
	aaguidSize    = 16
	credIDLenSize = 2
)

// AuthenticatorData is the parsed binary authenticator data.
type AuthenticatorData struct {
	RPIDHash  [rpIDHashSize]byte
	Flags     byte
	SignCount uint32

	// Set only when FlagAttestedCredential is present.
	AAGUID       []byte
	CredentialID []byte
	PublicKey    []byte
}

// ParseAuthenticatorData decodes authenticator data. The sign counter is the
// big-endian uint32 at bytes 33..37.
func ParseAuthenticatorData(b []byte) (*AuthenticatorData, error) {
	if len(b) < authDataMin {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	ad := &AuthenticatorData{Flags: b[32], SignCount: binary.BigEndian.Uint32(b[33:37])}
	copy(ad.RPIDHash[:], b[:32])
	if ad.Flags&FlagAttestedCredential == 0 {
		return ad, nil
	}

	rest := b[authDataMin:]
	if len(rest) < aaguidSize+credIDLenSize {
		return nil, fmt.Errorf("%w: truncated attested credential", ErrMalformed)
	}
	ad.AAGUID = append([]byte(nil), rest[:aaguidSize]...)
	n := int(binary.BigEndian.Uint16(rest[aaguidSize:]))
	rest = rest[aaguidSize+credIDLenSize:]
	if len(rest) < n {
		return nil, fmt.Errorf("%w: truncated credential id", ErrMalformed)
	}
	ad.CredentialID = append([]byte(nil), rest[:n]...)
	rest = rest[n:]
	_, used, err := cbor.DecodePrefix(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: credential public key: %v", ErrMalformed, err)
	}
	ad.PublicKey = append([]byte(nil), rest[:used]...)
	return ad, nil
}

// MarshalAuthenticatorData is the inverse of ParseAuthenticatorData.
func MarshalAuthenticatorData(ad *AuthenticatorData) []byte {
	b := make([]byte, 0, authDataMin+len(ad.CredentialID)+len(ad.PublicKey)+aaguidSize+credIDLenSize)
	b = append(b, ad.RPIDHash[:]...)
	b = append(b, ad.Flags)
	b = binary.BigEndian.AppendUint32(b, ad.SignCount)
	if ad.Flags&FlagAttestedCredential == 0 {
		return b
	}
	aaguid := make([]byte, aaguidSize)
	copy(aaguid, ad.AAGUID)
	b = append(b, aaguid...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(ad.CredentialID)))
	b = append(b, ad.CredentialID...)
	return append(b, ad.PublicKey...)
}

// RPIDHash returns SHA-256 of the relying party id.
func RPIDHash(rpID string) [rpIDHashSize]byte {
	return sha256.Sum256([]byte(rpID))
}

// ClientData is the subset of collected client data that is checked.
type ClientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin,omitempty"`
}

func encodeChallenge(c []byte) string {
	return base64.RawURLEncoding.EncodeToString(c)
}

// NewClientData builds client data JSON for a ceremony.
func NewClientData(typ string, challenge []byte, origin string) ([]byte, error) {
	return json.Marshal(ClientData{Type: typ, Challenge: encodeChallenge(challenge), Origin: origin})
}

// ParseAttestationObject extracts the format and authenticator data from a
// CBOR attestation object.
func ParseAttestationObject(b []byte) (format string, authData *AuthenticatorData, err error) {
	v, err := cbor.Decode(b)
	if err != nil {
		return "", nil, fmt.Errorf("%w: attestation object: %v", ErrMalformed, err)
	}
	format, err = v.GetText(cbor.Text("fmt"))
	if err != nil {
		return "", nil, fmt.Errorf("%w: fmt: %v", ErrMalformed, err)
	}
	raw, err := v.GetBytes(cbor.Text("authData"))
	if err != nil {
		return "", nil, fmt.Errorf("%w: authData: %v", ErrMalformed, err)
	}
	authData, err = ParseAuthenticatorData(raw)
	if err != nil {
		return "", nil, err
	}
	return format, authData, nil
}

// MarshalAttestationObject builds a self-contained "none" attestation object.
func MarshalAttestationObject(authData []byte) []byte {
	return cbor.Marshal(cbor.Map(
		cbor.Entry(cbor.Text("fmt"), cbor.Text("none")),
		cbor.Entry(cbor.Text("attStmt"), cbor.Map()),
		cbor.Entry(cbor.Text("authData"), cbor.Bytes(authData)),
	))
}
