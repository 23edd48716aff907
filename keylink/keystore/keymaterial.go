package keystore

import (
	"fmt"

	"github.com/TheusHen/keylink/keylink/crypto"
	"github.com/TheusHen/keylink/keylink/identity"
)

// Field names of the per-device key material records.
const (
	FieldSelfPublicKey  = "selfPublicKey"
	FieldSelfPrivateKey = "selfPrivateKey"
	FieldPeerPublicKey  = "peerPublicKey"
	FieldSharedSecret   = "sharedSecret"
)

// KeyMaterial is everything stored for one paired device.
type KeyMaterial struct {
	SelfPublicKey  []byte
	SelfPrivateKey []byte
	PeerPublicKey  []byte
	SharedSecret   []byte
}

// Complete reports whether all four fields are present.
func (km *KeyMaterial) Complete() bool {
	return len(km.SelfPublicKey) > 0 && len(km.SelfPrivateKey) > 0 &&
		len(km.PeerPublicKey) > 0 && len(km.SharedSecret) > 0
}

// Zero clears the secret fields.
func (km *KeyMaterial) Zero() {
	crypto.Zero(km.SelfPrivateKey)
	crypto.Zero(km.SharedSecret)
}

func (km *KeyMaterial) validate() error {
	switch {
	case len(km.SelfPublicKey) != crypto.PublicKeySize:
		return fmt.Errorf("%w: self public key", ErrIncomplete)
	case len(km.SelfPrivateKey) != crypto.PrivateKeySize:
		return fmt.Errorf("%w: self private key", ErrIncomplete)
	case len(km.PeerPublicKey) != crypto.PublicKeySize:
		return fmt.Errorf("%w: peer public key", ErrIncomplete)
	case len(km.SharedSecret) != crypto.SharedSecretSize:
		return fmt.Errorf("%w: shared secret", ErrIncomplete)
	}
	return nil
}

func (km *KeyMaterial) fields() map[string][]byte {
	return map[string][]byte{
		FieldSelfPublicKey:  km.SelfPublicKey,
		FieldSelfPrivateKey: km.SelfPrivateKey,
		FieldPeerPublicKey:  km.PeerPublicKey,
		FieldSharedSecret:   km.SharedSecret,
	}
}

// PutKeyMaterial replaces all four key material fields for id in a single
// persisted write. Other fields stored for id are kept.
func (s *Store) PutKeyMaterial(sess *Session, id identity.DeviceID, km KeyMaterial) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if err := km.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aead, err := s.aeadFor(sess)
	if err != nil {
		return err
	}
	sealed := make(map[string]string, 4)
	for field, v := range km.fields() {
		blob, err := seal(aead, id, field, v)
		if err != nil {
			return err
		}
		sealed[field] = blob
	}
	return s.commit(func(next *snapshot) error {
		fields := next.Devices[string(id)]
		if fields == nil {
			fields = map[string]string{}
			next.Devices[string(id)] = fields
		}
		for field, blob := range sealed {
			fields[field] = blob
		}
		return nil
	})
}

// KeyMaterial returns whatever key material fields decrypt for id. Fields
// that are missing or corrupt are left nil.
func (s *Store) KeyMaterial(sess *Session, id identity.DeviceID) (KeyMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aead, err := s.aeadFor(sess)
	if err != nil {
		return KeyMaterial{}, err
	}
	var km KeyMaterial
	km.SelfPublicKey, _ = s.open(aead, id, FieldSelfPublicKey)
	km.SelfPrivateKey, _ = s.open(aead, id, FieldSelfPrivateKey)
	km.PeerPublicKey, _ = s.open(aead, id, FieldPeerPublicKey)
	km.SharedSecret, _ = s.open(aead, id, FieldSharedSecret)
	return km, nil
}

// KeyMaterialComplete reports whether all four fields for id are present
// and decrypt.
func (s *Store) KeyMaterialComplete(sess *Session, id identity.DeviceID) (bool, error) {
	km, err := s.KeyMaterial(sess, id)
	if err != nil {
		return false, err
	}
	defer km.Zero()
	return km.Complete(), nil
}
