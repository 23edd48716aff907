// Package authn models platform authenticator ceremonies used to unlock the
// key store: credential creation (attestation) and assertion.
//
// Only ES256 (ECDSA P-256 with SHA-256) credentials are accepted. Public keys
// arrive COSE encoded and are decoded with the cbor subset parser.
package authn
