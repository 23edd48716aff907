package authn

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"sync"
)

// SoftAuthenticator is an in-process ES256 authenticator. It backs the
// developer CLI and tests where no platform authenticator is available.
type SoftAuthenticator struct {
	// Origin is written into client data.
	Origin string
	// Presence, when set, is called before every ceremony to simulate the
	// user prompt. Returning an error cancels the ceremony.
	Presence func(ctx context.Context) error

	mu    sync.Mutex
	creds []*softCredential
}

type softCredential struct {
	id         []byte
	rpID       string
	userHandle []byte
	key        *ecdsa.PrivateKey
	counter    uint32
}

// NewSoftAuthenticator returns an authenticator with no credentials.
func NewSoftAuthenticator(origin string) *SoftAuthenticator {
	return &SoftAuthenticator{Origin: origin}
}

func (s *SoftAuthenticator) present(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	if s.Presence == nil {
		return nil
	}
	if err := s.Presence(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return nil
}

// Create generates a new P-256 credential scoped to opts.RPID.
func (s *SoftAuthenticator) Create(ctx context.Context, opts CreationOptions) (*Attestation, error) {
	if err := s.present(ctx); err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	cred := &softCredential{
		id:         id,
		rpID:       opts.RPID,
		userHandle: append([]byte(nil), opts.UserHandle...),
		key:        key,
	}

	ad := &AuthenticatorData{
		RPIDHash:     RPIDHash(opts.RPID),
		Flags:        FlagUserPresent | FlagUserVerified | FlagAttestedCredential,
		CredentialID: id,
		PublicKey:    MarshalCOSEKey(&key.PublicKey),
	}
	cd, err := NewClientData(typeCreate, opts.Challenge, s.Origin)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.creds = append(s.creds, cred)
	s.mu.Unlock()

	return &Attestation{
		CredentialID:      append([]byte(nil), id...),
		ClientDataJSON:    cd,
		AttestationObject: MarshalAttestationObject(MarshalAuthenticatorData(ad)),
	}, nil
}

func (s *SoftAuthenticator) find(rpID string, allow [][]byte) *softCredential {
	for _, c := range s.creds {
		if c.rpID != rpID {
			continue
		}
		if len(allow) == 0 {
			return c
		}
		for _, id := range allow {
			if bytes.Equal(id, c.id) {
				return c
			}
		}
	}
	return nil
}

// Assert signs a fresh assertion and increments the credential's counter.
func (s *SoftAuthenticator) Assert(ctx context.Context, opts AssertionOptions) (*Assertion, error) {
	if err := s.present(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cred := s.find(opts.RPID, opts.AllowCredentials)
	if cred == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: no credential for %q", ErrCancelled, opts.RPID)
	}
	cred.counter++
	ad := MarshalAuthenticatorData(&AuthenticatorData{
		RPIDHash:  RPIDHash(opts.RPID),
		Flags:     FlagUserPresent | FlagUserVerified,
		SignCount: cred.counter,
	})
	key := cred.key
	id := append([]byte(nil), cred.id...)
	handle := append([]byte(nil), cred.userHandle...)
	s.mu.Unlock()

	cd, err := NewClientData(typeGet, opts.Challenge, s.Origin)
	if err != nil {
		return nil, err
	}
	clientHash := sha256.Sum256(cd)
	digest := sha256.Sum256(append(append([]byte(nil), ad...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	return &Assertion{
		CredentialID:      id,
		ClientDataJSON:    cd,
		AuthenticatorData: ad,
		Signature:         sig,
		UserHandle:        handle,
	}, nil
}

// Clone returns an authenticator holding the same keys and counters,
// as a copied hardware token would.
func (s *SoftAuthenticator) Clone() *SoftAuthenticator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &SoftAuthenticator{Origin: s.Origin}
	for _, c := range s.creds {
		cp := *c
		out.creds = append(out.creds, &cp)
	}
	return out
}
