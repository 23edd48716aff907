package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/TheusHen/keylink/keylink/authn"
	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/erasure"
	"github.com/TheusHen/keylink/keylink/identity"
	"github.com/TheusHen/keylink/keylink/logging"
)

var verifierAAD = []byte("keylink-store-verifier")

// Options configures a Store.
type Options struct {
	Logger        *slog.Logger
	RPID          string
	Origin        string
	UnlockTimeout time.Duration
	KDF           crypto.KDFParams
	// UnlockRate and UnlockBurst throttle unlock attempts.
	UnlockRate   rate.Limit
	UnlockBurst  int
	DataShards   int
	ParityShards int
}

// DefaultOptions returns the options used when fields are left zero.
func DefaultOptions() Options {
	return Options{
		RPID:          "keylink.local",
		UnlockTimeout: authn.DefaultTimeout,
		KDF:           crypto.DefaultKDFParams(),
		UnlockRate:    rate.Every(5 * time.Second),
		UnlockBurst:   5,
		DataShards:    erasure.DefaultDataShards,
		ParityShards:  erasure.DefaultParityShards,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.RPID == "" {
		o.RPID = d.RPID
	}
	if o.UnlockTimeout <= 0 {
		o.UnlockTimeout = d.UnlockTimeout
	}
	if o.KDF == (crypto.KDFParams{}) {
		o.KDF = d.KDF
	}
	if o.UnlockRate == 0 {
		o.UnlockRate = d.UnlockRate
	}
	if o.UnlockBurst <= 0 {
		o.UnlockBurst = d.UnlockBurst
	}
	if o.DataShards <= 0 {
		o.DataShards = d.DataShards
	}
	if o.ParityShards <= 0 {
		o.ParityShards = d.ParityShards
	}
	return o
}

// Store is the encrypted key store.
type Store struct {
	mu      sync.RWMutex
	backend Backend
	codec   *erasure.Codec
	opts    Options
	log     *slog.Logger
	limiter *rate.Limiter

	snap  *snapshot
	key   []byte
	aead  *crypto.AEAD
	epoch uint64
}

// Open loads the store from backend, recreating it empty when the persisted
// snapshot is unreadable, missing a partition, or of another schema version.
func Open(backend Backend, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := opts.KDF.Validate(); err != nil {
		return nil, err
	}
	codec, err := erasure.NewCodec(opts.DataShards, opts.ParityShards)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend: backend,
		codec:   codec,
		opts:    opts,
		log:     opts.Logger.With("component", "keystore"),
		limiter: rate.NewLimiter(opts.UnlockRate, opts.UnlockBurst),
	}

	blob, err := backend.Load()
	if err != nil {
		return nil, err
	}
	if blob == nil {
		s.snap = newSnapshot()
		return s, s.save(s.snap)
	}

	snap, repaired, err := decodeSnapshot(blob)
	if err != nil {
		s.log.Warn("key store unreadable, recreating empty store", "error", err)
		if err := backend.Delete(); err != nil {
			return nil, err
		}
		s.snap = newSnapshot()
		return s, s.save(s.snap)
	}
	s.snap = snap
	if repaired > 0 {
		s.log.Info("repaired damaged key store shards", "shards", repaired)
		if err := s.save(snap); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) save(snap *snapshot) error {
	blob, err := snap.encode(s.codec)
	if err != nil {
		return err
	}
	return s.backend.Save(blob)
}

// commit applies mutate to a copy of the snapshot and persists it. The
// in-memory snapshot changes only if the write succeeds. Callers hold s.mu.
func (s *Store) commit(mutate func(next *snapshot) error) error {
	next := s.snap.clone()
	if err := mutate(next); err != nil {
		return err
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.snap = next
	return nil
}

func (s *Store) expectation(challenge []byte) authn.Expectation {
	return authn.Expectation{RPID: s.opts.RPID, Challenge: challenge, Origin: s.opts.Origin}
}

// Unlock derives the store key with kd and installs it as the live key.
// The attempt is throttled and bounded by the configured unlock timeout.
func (s *Store) Unlock(ctx context.Context, kd KeyDerivation) (*Session, error) {
	if kd == nil {
		return nil, errors.New("keystore: nil key derivation")
	}
	if !s.limiter.Allow() {
		return nil, ErrThrottled
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.UnlockTimeout)
	defer cancel()

	key, err := kd.deriveKey(ctx, s)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) && !IsSecurityFailure(err) {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		s.log.Warn("unlock failed", "method", kd.name(), "error", err)
		return nil, err
	}
	sess, err := s.install(key, kd.name())
	if err != nil {
		s.log.Warn("unlock failed", "method", kd.name(), "error", err)
		return nil, err
	}
	s.log.Info("key store unlocked", "method", kd.name())
	return sess, nil
}

// UnlockWithPassphrase is Unlock with PassphraseDerived.
func (s *Store) UnlockWithPassphrase(ctx context.Context, passphrase []byte) (*Session, error) {
	return s.Unlock(ctx, PassphraseDerived{Passphrase: passphrase})
}

// UnlockWithAuthenticator is Unlock with AuthenticatorDerived.
func (s *Store) UnlockWithAuthenticator(ctx context.Context, a authn.Authenticator) (*Session, error) {
	return s.Unlock(ctx, AuthenticatorDerived{Authenticator: a})
}

// RegisterAuthenticator creates a credential on a, records it, and unlocks
// the store with it. The store must not already be bound to another key.
func (s *Store) RegisterAuthenticator(ctx context.Context, a authn.Authenticator, displayName string) (*Session, error) {
	s.mu.RLock()
	bound := s.snap.Meta.Verifier != nil
	handle := append([]byte(nil), s.snap.Meta.UserHandle...)
	s.mu.RUnlock()
	if bound {
		return nil, ErrKeyMismatch
	}
	if len(handle) == 0 {
		u := uuid.New()
		handle = u[:]
	}

	challenge, err := newChallenge()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.UnlockTimeout)
	defer cancel()
	att, err := a.Create(ctx, authn.CreationOptions{
		RPID:        s.opts.RPID,
		UserHandle:  handle,
		UserName:    displayName,
		DisplayName: displayName,
		Challenge:   challenge,
		Timeout:     s.opts.UnlockTimeout,
	})
	if err != nil {
		return nil, err
	}
	cred, err := authn.VerifyAttestation(s.expectation(challenge), att)
	if err != nil {
		return nil, err
	}

	ref := credentialRef(cred.ID)
	s.mu.Lock()
	err = s.commit(func(next *snapshot) error {
		next.Credentials[ref] = &credentialRecord{
			DisplayName: displayName,
			PublicKey:   cred.PublicKey,
			Counter:     cred.SignCount,
			CreatedAt:   time.Now().Unix(),
		}
		next.Meta.UserHandle = handle
		return nil
	})
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.log.Info("authenticator registered", "credential_id", ref)

	key, err := crypto.DeriveCredentialKey(cred.ID)
	if err != nil {
		return nil, err
	}
	return s.install(key, AuthenticatorDerived{}.name())
}

func (s *Store) passphraseSalt() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snap.Meta.Salt) == 0 {
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		if err := s.commit(func(next *snapshot) error {
			next.Meta.Salt = salt
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return append([]byte(nil), s.snap.Meta.Salt...), nil
}

func newSalt() ([]byte, error) {
	salt := make([]byte, crypto.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// install checks key against the store verifier, creating one on first
// unlock, then replaces the live key and starts a new epoch.
func (s *Store) install(key []byte, method string) (*Session, error) {
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		crypto.Zero(key)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.Meta.Verifier == nil {
		v, err := aead.Seal(verifierAAD, verifierAAD)
		if err != nil {
			crypto.Zero(key)
			return nil, err
		}
		if err := s.commit(func(next *snapshot) error {
			next.Meta.Verifier = v
			return nil
		}); err != nil {
			crypto.Zero(key)
			return nil, err
		}
	} else if _, err := aead.Open(s.snap.Meta.Verifier, verifierAAD); err != nil {
		crypto.Zero(key)
		return nil, ErrKeyMismatch
	}

	crypto.Zero(s.key)
	s.key = key
	s.aead = aead
	s.epoch++
	return &Session{store: s, epoch: s.epoch, method: method}, nil
}

// Lock zeroes the live key. Every Session issued so far becomes invalid.
func (s *Store) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	crypto.Zero(s.key)
	s.key = nil
	s.aead = nil
	s.epoch++
	s.log.Info("key store locked")
}

// Close locks the store.
func (s *Store) Close() error {
	s.Lock()
	return nil
}

// aeadFor returns the live cipher if sess belongs to the current epoch.
// Callers hold s.mu.
func (s *Store) aeadFor(sess *Session) (*crypto.AEAD, error) {
	if sess == nil || sess.store != s || s.aead == nil || sess.epoch != s.epoch {
		return nil, ErrNotUnlocked
	}
	return s.aead, nil
}

func recordAAD(id identity.DeviceID, field string) []byte {
	return []byte(string(id) + "|" + field)
}

func validateField(field string) error {
	if field == "" {
		return errors.New("keystore: empty field name")
	}
	return nil
}

func seal(aead *crypto.AEAD, id identity.DeviceID, field string, value []byte) (string, error) {
	sealed, err := aead.Seal(value, recordAAD(id, field))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Put encrypts value under the live key and persists it.
func (s *Store) Put(sess *Session, id identity.DeviceID, field string, value []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := validateField(field); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aead, err := s.aeadFor(sess)
	if err != nil {
		return err
	}
	blob, err := seal(aead, id, field, value)
	if err != nil {
		return err
	}
	return s.commit(func(next *snapshot) error {
		fields := next.Devices[string(id)]
		if fields == nil {
			fields = map[string]string{}
			next.Devices[string(id)] = fields
		}
		fields[field] = blob
		return nil
	})
}

// Get returns the decrypted value. A missing, malformed or tampered record
// is reported as absent (ok == false) with a nil error.
func (s *Store) Get(sess *Session, id identity.DeviceID, field string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aead, err := s.aeadFor(sess)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.open(aead, id, field)
	return v, ok, nil
}

func (s *Store) open(aead *crypto.AEAD, id identity.DeviceID, field string) ([]byte, bool) {
	blob, ok := s.snap.Devices[string(id)][field]
	if !ok {
		return nil, false
	}
	sealed, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		s.log.Warn("key store record malformed", "device_id", string(id), "field", field)
		return nil, false
	}
	v, err := aead.Open(sealed, recordAAD(id, field))
	if err != nil {
		s.log.Warn("key store record failed authentication", "device_id", string(id), "field", field)
		return nil, false
	}
	return v, true
}

// Devices lists device ids with at least one stored field.
func (s *Store) Devices(sess *Session) ([]identity.DeviceID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.aeadFor(sess); err != nil {
		return nil, err
	}
	out := make([]identity.DeviceID, 0, len(s.snap.Devices))
	for id := range s.snap.Devices {
		out = append(out, identity.DeviceID(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// DeleteDevice removes every record stored for id.
func (s *Store) DeleteDevice(sess *Session, id identity.DeviceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.aeadFor(sess); err != nil {
		return err
	}
	if _, ok := s.snap.Devices[string(id)]; !ok {
		return nil
	}
	return s.commit(func(next *snapshot) error {
		delete(next.Devices, string(id))
		return nil
	})
}

// CredentialInfo describes a registered authenticator.
type CredentialInfo struct {
	Ref         string
	DisplayName string
	Counter     uint32
	CreatedAt   time.Time
}

// Credentials lists registered authenticators. It does not require a session.
func (s *Store) Credentials() []CredentialInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CredentialInfo, 0, len(s.snap.Credentials))
	for ref, rec := range s.snap.Credentials {
		out = append(out, CredentialInfo{
			Ref:         ref,
			DisplayName: rec.DisplayName,
			Counter:     rec.Counter,
			CreatedAt:   time.Unix(rec.CreatedAt, 0),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}
