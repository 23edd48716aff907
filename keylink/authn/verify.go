package authn

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"fmt"
)

// Expectation is what the relying party issued for one ceremony.
type Expectation struct {
	RPID      string
	Challenge []byte
	// Origin is checked only when non-empty.
	Origin string
}

// Credential is a verified, newly created credential.
type Credential struct {
	ID        []byte
	PublicKey []byte // COSE_Key
	SignCount uint32
}

func checkClientData(raw []byte, typ string, exp Expectation) error {
	var cd ClientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("%w: client data: %v", ErrSignature, err)
	}
	if cd.Type != typ {
		return fmt.Errorf("%w: client data type %q", ErrSignature, cd.Type)
	}
	want := encodeChallenge(exp.Challenge)
	if len(exp.Challenge) == 0 || subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(want)) != 1 {
		return fmt.Errorf("%w: challenge mismatch", ErrSignature)
	}
	if exp.Origin != "" && cd.Origin != exp.Origin {
		return fmt.Errorf("%w: origin %q", ErrSignature, cd.Origin)
	}
	return nil
}

func checkAuthData(ad *AuthenticatorData, exp Expectation) error {
	want := RPIDHash(exp.RPID)
	if subtle.ConstantTimeCompare(ad.RPIDHash[:], want[:]) != 1 {
		return fmt.Errorf("%w: relying party mismatch", ErrSignature)
	}
	if ad.Flags&FlagUserPresent == 0 {
		return fmt.Errorf("%w: user not present", ErrSignature)
	}
	return nil
}

// VerifyAttestation checks a creation response against exp and returns the
// new credential.
func VerifyAttestation(exp Expectation, att *Attestation) (*Credential, error) {
	if att == nil {
		return nil, fmt.Errorf("%w: empty attestation", ErrSignature)
	}
	if err := checkClientData(att.ClientDataJSON, typeCreate, exp); err != nil {
		return nil, err
	}
	format, ad, err := ParseAttestationObject(att.AttestationObject)
	if err != nil {
		return nil, err
	}
	if format != "none" {
		return nil, fmt.Errorf("%w: attestation format %q", ErrUnsupportedKey, format)
	}
	if err := checkAuthData(ad, exp); err != nil {
		return nil, err
	}
	if ad.CredentialID == nil || !bytes.Equal(ad.CredentialID, att.CredentialID) {
		return nil, fmt.Errorf("%w: credential id mismatch", ErrSignature)
	}
	if _, err := ParseCOSEKey(ad.PublicKey); err != nil {
		return nil, err
	}
	return &Credential{ID: ad.CredentialID, PublicKey: ad.PublicKey, SignCount: ad.SignCount}, nil
}

// VerifyAssertion checks the challenge, relying party and ES256 signature
// over authenticatorData || SHA-256(clientDataJSON), then requires the sign
// counter to exceed storedCount. It returns the new counter.
func VerifyAssertion(publicKey []byte, storedCount uint32, exp Expectation, a *Assertion) (uint32, error) {
	if a == nil {
		return 0, fmt.Errorf("%w: empty assertion", ErrSignature)
	}
	pub, err := ParseCOSEKey(publicKey)
	if err != nil {
		return 0, err
	}
	if err := checkClientData(a.ClientDataJSON, typeGet, exp); err != nil {
		return 0, err
	}
	ad, err := ParseAuthenticatorData(a.AuthenticatorData)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	if err := checkAuthData(ad, exp); err != nil {
		return 0, err
	}

	clientHash := sha256.Sum256(a.ClientDataJSON)
	signed := make([]byte, 0, len(a.AuthenticatorData)+len(clientHash))
	signed = append(signed, a.AuthenticatorData...)
	signed = append(signed, clientHash[:]...)
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(pub, digest[:], a.Signature) {
		return 0, fmt.Errorf("%w: bad signature", ErrSignature)
	}

	if ad.SignCount <= storedCount {
		return 0, fmt.Errorf("%w: got %d, stored %d", ErrClonedAuthenticator, ad.SignCount, storedCount)
	}
	return ad.SignCount, nil
}
