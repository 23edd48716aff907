// Package crypto provides the cryptographic primitives used by keylink.
//
// Design goals:
//   - P-256 ECDH key agreement with SEC1 point compression for small key exchanges
//   - AEAD encryption via AES-256-GCM with a fresh random 96-bit IV per message
//   - Key derivation via HKDF-SHA256 and Argon2id
//   - Constant-time comparisons where applicable
package crypto
