package authn

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSignature covers any assertion that fails challenge, origin or
	// signature verification.
	ErrSignature = errors.New("authn: assertion verification failed")
	// ErrClonedAuthenticator is returned when the signature counter did not
	// strictly increase, even if the signature itself is valid.
	ErrClonedAuthenticator = errors.New("authn: signature counter did not increase")
	// ErrCancelled is returned when the user dismissed the prompt or it timed out.
	ErrCancelled = errors.New("authn: ceremony cancelled")
	// ErrUnsupportedKey is returned for credentials that are not ES256.
	ErrUnsupportedKey = errors.New("authn: unsupported credential key")
	ErrMalformed      = errors.New("authn: malformed authenticator data")
)

const (
	ChallengeSize  = 32
	DefaultTimeout = 60 * time.Second

	typeCreate = "webauthn.create"
	typeGet    = "webauthn.get"
)

// CreationOptions describes a credential creation request.
type CreationOptions struct {
	RPID        string
	UserHandle  []byte
	UserName    string
	DisplayName string
	Challenge   []byte
	Timeout     time.Duration
}

// AssertionOptions describes an assertion request.
type AssertionOptions struct {
	RPID             string
	Challenge        []byte
	AllowCredentials [][]byte
	Timeout          time.Duration
}

// Attestation is the result of credential creation.
type Attestation struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AttestationObject []byte
}

// Assertion is a signed proof of possession of a credential.
type Assertion struct {
	CredentialID      []byte
	ClientDataJSON    []byte
	AuthenticatorData []byte
	Signature         []byte
	UserHandle        []byte
}

// Authenticator is the platform security component. Implementations must
// return an error wrapping ErrCancelled when the user dismisses the prompt
// or ctx is done.
type Authenticator interface {
	Create(ctx context.Context, opts CreationOptions) (*Attestation, error)
	Assert(ctx context.Context, opts AssertionOptions) (*Assertion, error)
}

// IsSecurityFailure reports whether err means a security check failed, as
// opposed to the user cancelling. Callers must not blindly retry these.
func IsSecurityFailure(err error) bool {
	return errors.Is(err, ErrSignature) || errors.Is(err, ErrClonedAuthenticator)
}
