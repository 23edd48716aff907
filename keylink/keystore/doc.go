// Package keystore persists per-device key material encrypted at rest.
//
// The store is unlocked once per application session, either by an
// authenticator assertion or by an Argon2id passphrase derivation. Unlock
// returns a *Session that every read and write must present; Lock zeroes the
// live key and invalidates every outstanding Session at once.
//
// Records are sealed with AES-256-GCM under the live key with the device id
// and field name bound as additional data. The snapshot holding them is
// LZ4 compressed and Reed-Solomon sharded so that local bit rot is repaired
// on load. A snapshot that cannot be recovered, or that declares an unknown
// schema, is deleted and recreated empty.
package keystore
