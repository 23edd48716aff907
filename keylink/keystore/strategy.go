package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/TheusHen/keylink/keylink/authn"
	"github.com/TheusHen/keylink/keylink/crypto"
)

// KeyDerivation produces the store key during Unlock. The set of variants is
// closed: AuthenticatorDerived and PassphraseDerived.
type KeyDerivation interface {
	name() string
	deriveKey(ctx context.Context, s *Store) ([]byte, error)
}

// PassphraseDerived stretches a passphrase with Argon2id over the store's
// persisted random salt, creating the salt on first use.
type PassphraseDerived struct {
	Passphrase []byte
}

func (PassphraseDerived) name() string { return "passphrase" }

func (p PassphraseDerived) deriveKey(ctx context.Context, s *Store) ([]byte, error) {
	salt, err := s.passphraseSalt()
	if err != nil {
		return nil, err
	}
	params := s.opts.KDF
	pass := append([]byte(nil), p.Passphrase...)

	type result struct {
		key []byte
		err error
	}
	// Argon2 cannot be interrupted; the caller stops waiting on timeout and
	// the late result is zeroed.
	ch := make(chan result, 1)
	go func() {
		k, err := crypto.DerivePassphraseKey(pass, salt, params)
		crypto.Zero(pass)
		ch <- result{k, err}
	}()
	select {
	case r := <-ch:
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-ch
			crypto.Zero(r.key)
		}()
		return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

// AuthenticatorDerived unlocks with an assertion from a registered
// authenticator. The key is derived from the credential id the
// authenticator returns.
type AuthenticatorDerived struct {
	Authenticator authn.Authenticator
}

func (AuthenticatorDerived) name() string { return "authenticator" }

func (a AuthenticatorDerived) deriveKey(ctx context.Context, s *Store) ([]byte, error) {
	if a.Authenticator == nil {
		return nil, ErrNoCredential
	}
	s.mu.RLock()
	n := len(s.snap.Credentials)
	s.mu.RUnlock()
	if n == 0 {
		return nil, ErrNoCredential
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	as, err := a.Authenticator.Assert(ctx, authn.AssertionOptions{
		RPID:      s.opts.RPID,
		Challenge: challenge,
		Timeout:   s.opts.UnlockTimeout,
	})
	if err != nil {
		return nil, err
	}

	ref := credentialRef(as.CredentialID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snap.Credentials[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown credential", ErrSignature)
	}
	count, err := authn.VerifyAssertion(rec.PublicKey, rec.Counter, s.expectation(challenge), as)
	if err != nil {
		s.log.Warn("authenticator assertion rejected", "credential_id", ref, "error", err)
		return nil, err
	}
	if err := s.commit(func(next *snapshot) error {
		next.Credentials[ref].Counter = count
		return nil
	}); err != nil {
		return nil, err
	}
	return crypto.DeriveCredentialKey(as.CredentialID)
}

func newChallenge() ([]byte, error) {
	c := make([]byte, authn.ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		return nil, err
	}
	return c, nil
}

// credentialRef is the persisted name of a credential.
func credentialRef(id []byte) string {
	sum := sha256.Sum256(id)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
