package authn

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"
)

const testRP = "keylink.test"

func challenge(t *testing.T) []byte {
	t.Helper()
	c := make([]byte, ChallengeSize)
	if _, err := rand.Read(c); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return c
}

func register(t *testing.T, a *SoftAuthenticator) *Credential {
	t.Helper()
	c := challenge(t)
	att, err := a.Create(context.Background(), CreationOptions{RPID: testRP, UserHandle: []byte("user"), Challenge: c})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	cred, err := VerifyAttestation(Expectation{RPID: testRP, Challenge: c}, att)
	if err != nil {
		t.Fatalf("VerifyAttestation: %v", err)
	}
	return cred
}

func TestAttestationAndAssertion(t *testing.T) {
	a := NewSoftAuthenticator("https://keylink.test")
	cred := register(t, a)
	if len(cred.ID) == 0 || len(cred.PublicKey) == 0 {
		t.Fatalf("empty credential")
	}
	if _, err := ParseCOSEKey(cred.PublicKey); err != nil {
		t.Fatalf("ParseCOSEKey: %v", err)
	}

	c := challenge(t)
	as, err := a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c, AllowCredentials: [][]byte{cred.ID}})
	if err != nil {
		t.Fatalf("Assert: %v", err)
	}
	if !bytes.Equal(as.CredentialID, cred.ID) {
		t.Fatalf("credential id mismatch")
	}
	n, err := VerifyAssertion(cred.PublicKey, cred.SignCount, Expectation{RPID: testRP, Challenge: c, Origin: "https://keylink.test"}, as)
	if err != nil {
		t.Fatalf("VerifyAssertion: %v", err)
	}
	if n != 1 {
		t.Fatalf("sign count = %d, want 1", n)
	}
}

func TestAssertionChallengeMismatch(t *testing.T) {
	a := NewSoftAuthenticator("")
	cred := register(t, a)
	as, _ := a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: challenge(t)})
	_, err := VerifyAssertion(cred.PublicKey, 0, Expectation{RPID: testRP, Challenge: challenge(t)}, as)
	if !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	if !IsSecurityFailure(err) {
		t.Fatalf("challenge mismatch should be a security failure")
	}
}

func TestAssertionBadSignature(t *testing.T) {
	a := NewSoftAuthenticator("")
	cred := register(t, a)
	c := challenge(t)
	as, _ := a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c})
	as.AuthenticatorData[len(as.AuthenticatorData)-1] ^= 0x01
	if _, err := VerifyAssertion(cred.PublicKey, 0, Expectation{RPID: testRP, Challenge: c}, as); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}

	other := register(t, NewSoftAuthenticator(""))
	as, _ = a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c})
	if _, err := VerifyAssertion(other.PublicKey, 0, Expectation{RPID: testRP, Challenge: c}, as); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature for foreign key, got %v", err)
	}
}

func TestAssertionCounterMustIncrease(t *testing.T) {
	a := NewSoftAuthenticator("")
	cred := register(t, a)
	clone := a.Clone()

	c := challenge(t)
	as, _ := a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c})
	stored, err := VerifyAssertion(cred.PublicKey, 0, Expectation{RPID: testRP, Challenge: c}, as)
	if err != nil {
		t.Fatalf("VerifyAssertion: %v", err)
	}

	c = challenge(t)
	as, _ = clone.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c})
	_, err = VerifyAssertion(cred.PublicKey, stored, Expectation{RPID: testRP, Challenge: c}, as)
	if !errors.Is(err, ErrClonedAuthenticator) {
		t.Fatalf("expected ErrClonedAuthenticator, got %v", err)
	}
}

func TestAssertionWrongRelyingParty(t *testing.T) {
	a := NewSoftAuthenticator("")
	cred := register(t, a)
	c := challenge(t)
	as, _ := a.Assert(context.Background(), AssertionOptions{RPID: testRP, Challenge: c})
	if _, err := VerifyAssertion(cred.PublicKey, 0, Expectation{RPID: "evil.test", Challenge: c}, as); !errors.Is(err, ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
}

func TestCeremonyCancelled(t *testing.T) {
	a := NewSoftAuthenticator("")
	a.Presence = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Create(ctx, CreationOptions{RPID: testRP, Challenge: challenge(t)})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if IsSecurityFailure(err) {
		t.Fatalf("cancellation must not be a security failure")
	}
}

func TestParseAuthenticatorDataCounter(t *testing.T) {
	ad := MarshalAuthenticatorData(&AuthenticatorData{RPIDHash: RPIDHash(testRP), Flags: FlagUserPresent, SignCount: 0x01020304})
	if len(ad) != 37 {
		t.Fatalf("auth data length = %d", len(ad))
	}
	if !bytes.Equal(ad[33:37], []byte{1, 2, 3, 4}) {
		t.Fatalf("counter not big endian at 33..37")
	}
	parsed, err := ParseAuthenticatorData(ad)
	if err != nil {
		t.Fatalf("ParseAuthenticatorData: %v", err)
	}
	if parsed.SignCount != 0x01020304 {
		t.Fatalf("sign count = %#x", parsed.SignCount)
	}
	if _, err := ParseAuthenticatorData(ad[:36]); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestParseCOSEKeyRejectsOtherAlgorithms(t *testing.T) {
	if _, err := ParseCOSEKey([]byte{0xa1, 0x01, 0x01}); !errors.Is(err, ErrUnsupportedKey) {
		t.Fatalf("expected ErrUnsupportedKey, got %v", err)
	}
}
