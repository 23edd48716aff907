package keystore

import (
	"errors"

	"github.com/TheusHen/keylink/keylink/authn"
)

var (
	ErrNotUnlocked     = errors.New("keystore: store is locked")
	ErrCorruption      = errors.New("keystore: store data unreadable")
	ErrNoCredential    = errors.New("keystore: no registered authenticator")
	ErrKeyMismatch     = errors.New("keystore: unlock key does not match store")
	ErrThrottled       = errors.New("keystore: too many unlock attempts")
	ErrIncomplete      = errors.New("keystore: key material incomplete")

	// Authenticator outcomes, re-exported so callers need only this package.
	ErrSignature           = authn.ErrSignature
	ErrClonedAuthenticator = authn.ErrClonedAuthenticator
	ErrCancelled           = authn.ErrCancelled
)

// IsSecurityFailure reports whether err is a failed security check that the
// UI must not blindly retry.
func IsSecurityFailure(err error) bool { return authn.IsSecurityFailure(err) }
